package safety

import "testing"

func TestScan_DetectsDateNow(t *testing.T) {
	violations := Scan("wf.ts", []byte("const t = Date.now();\n"))
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
	if violations[0].Line != 1 {
		t.Errorf("Line = %d, want 1", violations[0].Line)
	}
	if violations[0].Severity != string(SeverityError) {
		t.Errorf("Severity = %q, want error", violations[0].Severity)
	}
}

func TestScan_DetectsNewDateNoArgs(t *testing.T) {
	violations := Scan("wf.ts", []byte("const d = new Date();\n"))
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
}

func TestScan_AllowsNewDateWithArgs(t *testing.T) {
	violations := Scan("wf.ts", []byte("const d = new Date(input.timestamp);\n"))
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}

func TestScan_DetectsMathRandom(t *testing.T) {
	violations := Scan("wf.ts", []byte("const r = Math.random();\n"))
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
}

func TestScan_DetectsSetTimeoutAndSetInterval(t *testing.T) {
	src := []byte("setTimeout(fn, 100);\nsetInterval(fn, 100);\n")
	violations := Scan("wf.ts", src)
	if len(violations) != 2 {
		t.Fatalf("len(violations) = %d, want 2", len(violations))
	}
	if violations[0].Line != 1 || violations[1].Line != 2 {
		t.Errorf("unexpected line numbers: %+v", violations)
	}
}

func TestScan_DetectsFetchAndFsAndChildProcess(t *testing.T) {
	src := []byte(`
fetch("https://example.com");
fs.readFileSync("/etc/passwd");
child_process.exec("ls");
`)
	violations := Scan("wf.ts", src)
	if len(violations) != 3 {
		t.Fatalf("len(violations) = %d, want 3, got %+v", len(violations), violations)
	}
}

func TestScan_ExcludesLineComments(t *testing.T) {
	violations := Scan("wf.ts", []byte("// Date.now() is unsafe, don't do this\nconst x = 1;\n"))
	if len(violations) != 0 {
		t.Fatalf("expected no violations inside a line comment, got %+v", violations)
	}
}

func TestScan_ExcludesBlockComments(t *testing.T) {
	src := []byte("/* avoid Math.random() here */\nconst x = 1;\n")
	violations := Scan("wf.ts", src)
	if len(violations) != 0 {
		t.Fatalf("expected no violations inside a block comment, got %+v", violations)
	}
}

func TestScan_BlockCommentPreservesLineNumbers(t *testing.T) {
	src := []byte("/* multi\nline\ncomment with Date.now() inside */\nDate.now();\n")
	violations := Scan("wf.ts", src)
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1, got %+v", len(violations), violations)
	}
	if violations[0].Line != 4 {
		t.Errorf("Line = %d, want 4 (line numbers must survive block-comment stripping)", violations[0].Line)
	}
}

func TestScan_ExcludesTypeAnnotationPosition(t *testing.T) {
	violations := Scan("wf.ts", []byte("function f(cb: fetch) {}\n"))
	if len(violations) != 0 {
		t.Fatalf("expected no violations for a type-position mention, got %+v", violations)
	}
}

func TestScan_ReportsColumnAndSource(t *testing.T) {
	violations := Scan("wf.ts", []byte("  const r = Math.random();\n"))
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
	v := violations[0]
	if v.Column != 13 {
		t.Errorf("Column = %d, want 13", v.Column)
	}
	if v.Source != "  const r = Math.random();" {
		t.Errorf("Source = %q", v.Source)
	}
	if v.File != "wf.ts" {
		t.Errorf("File = %q", v.File)
	}
}

func TestScan_WarningSeverityForProcessHrtime(t *testing.T) {
	violations := Scan("wf.ts", []byte("const t = process.hrtime();\n"))
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
	if violations[0].Severity != string(SeverityWarning) {
		t.Errorf("Severity = %q, want warning", violations[0].Severity)
	}
}

func TestScan_NoFalsePositivesOnCleanCode(t *testing.T) {
	src := []byte(`
export async function myWorkflow(input: string): Promise<string> {
  const result = await someActivity(input);
  return result;
}
`)
	violations := Scan("wf.ts", src)
	if len(violations) != 0 {
		t.Fatalf("expected no violations on clean code, got %+v", violations)
	}
}
