package sessionindex

import (
	"path/filepath"

	"github.com/parleylabs/parley/internal/domain"
)

// mergeAttributes deep-merges patch into base. Keys with a nil value delete
// that subtree; nested objects merge recursively; arrays and primitives
// replace the existing value.
func mergeAttributes(base, patch map[string]any) map[string]any {
	if patch == nil {
		return base
	}
	out := base
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = mergeAttributes(bm, pm)
			continue
		}
		if pok {
			out[k] = mergeAttributes(nil, pm)
			continue
		}
		out[k] = v
	}
	return out
}

// validateAttributesPatch rejects patches that would put well-known keys
// into an unusable state.
func validateAttributesPatch(patch map[string]any) error {
	core, ok := patch["core"].(map[string]any)
	if !ok {
		return nil
	}
	if wd, present := core["workingDir"]; present && wd != nil {
		s, ok := wd.(string)
		if !ok || !filepath.IsAbs(s) {
			return domain.Errorf(domain.CodeInvalidSessionAttributes, "core.workingDir must be an absolute path")
		}
	}
	if br, present := core["activeBranch"]; present && br != nil {
		if _, ok := br.(string); !ok {
			return domain.Errorf(domain.CodeInvalidSessionAttributes, "core.activeBranch must be a string")
		}
	}
	if at, present := core["autoTitle"]; present && at != nil {
		if _, ok := at.(string); !ok {
			return domain.Errorf(domain.CodeInvalidSessionAttributes, "core.autoTitle must be a string")
		}
	}
	return nil
}
