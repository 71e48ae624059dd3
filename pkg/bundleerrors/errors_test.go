package bundleerrors

import (
	"errors"
	"strings"
	"testing"
)

func TestNewForbiddenModules_RendersModulesAndChain(t *testing.T) {
	err := NewForbiddenModules([]string{"dns", "fs"}, []string{"entry.js", "fs (forbidden)"})
	msg := err.Error()

	if err.Code != CodeForbiddenModules {
		t.Fatalf("Code = %v, want %v", err.Code, CodeForbiddenModules)
	}
	for _, want := range []string{"dns", "fs", "entry.js -> fs (forbidden)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want substring %q", msg, want)
		}
	}
}

func TestNewDynamicImport_RendersSites(t *testing.T) {
	err := NewDynamicImport([]DynamicImportSite{{File: "a.ts", Line: 3, Column: 10}})
	if !strings.Contains(err.Error(), "a.ts:3:10") {
		t.Errorf("Error() = %q, want site a.ts:3:10", err.Error())
	}
}

func TestBuildError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewBuildFailed(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true via Unwrap")
	}
}

func TestCode_UserFixable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeForbiddenModules, true},
		{CodeDynamicImport, true},
		{CodeConfigInvalid, true},
		{CodeEntrypointNotFound, true},
		{CodeIgnoredModuleUsed, true},
		{CodeBuildFailed, false},
		{CodeResolutionFailed, false},
	}
	for _, tt := range tests {
		if got := tt.code.userFixable(); got != tt.want {
			t.Errorf("%s.userFixable() = %v, want %v", tt.code, got, tt.want)
		}
	}
}
