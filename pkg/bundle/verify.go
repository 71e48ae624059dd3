package bundle

import (
	"github.com/agentic-run/wfbundle/pkg/verify"
)

// VerifyResult is spec.md §6's verify_deterministic_build return shape.
type VerifyResult struct {
	Deterministic bool
	BuildCount    int
	ReferenceHash string
	Hashes        []string
	Differences   []string
}

// VerifyDeterministicBuild implements spec.md §6/§4.9:
// verify_deterministic_build(BundleOptions, N) -> {deterministic,
// build_count, reference_hash, hashes, differences?}. Each repeat build is
// a normal build of which only Code is hashed, so metadata (whose
// CreatedAt/BuildDurationMS fields are wall-clock) never enters the
// comparison; the normalizer in pkg/verify additionally strips any
// timestamp that appears in the code itself.
func VerifyDeterministicBuild(opts BundleOptions, n int) (VerifyResult, error) {
	if err := opts.validate(); err != nil {
		return VerifyResult{}, err
	}

	result, err := verify.Run(n, func() ([]byte, error) {
		wb, err := bundleWorkflowCode(opts)
		if err != nil {
			return nil, err
		}
		return []byte(wb.Code), nil
	})
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		Deterministic: result.Deterministic,
		BuildCount:    result.BuildCount,
		ReferenceHash: result.ReferenceHash,
		Hashes:        result.Hashes,
		Differences:   result.Differences,
	}, nil
}
