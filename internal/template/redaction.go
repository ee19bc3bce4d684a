package template

import (
	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// RedactedSecretValue replaces any generated value containing a tracked secret.
const RedactedSecretValue = "[REDACTED_SECRET]"

// RedactTrackedSecrets walks data and replaces every string that contains a
// tracked secret. The input is not modified. It reports whether anything was
// replaced.
func RedactTrackedSecrets(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	if data == nil || tracker == nil {
		return data, false
	}
	return redactRecursive(data, tracker)
}

// RedactWorkflow scrubs node labels and params of a generated workflow in
// place. Models occasionally echo credentials from their context into node
// configuration.
func RedactWorkflow(wf *workflow.Workflow, tracker *secrets.SecretTracker) bool {
	if wf == nil || tracker == nil {
		return false
	}
	scrubbed := false
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if tracker.ContainsTrackedSecret(n.Label) {
			n.Label = RedactedSecretValue
			scrubbed = true
		}
		if n.Params == nil {
			continue
		}
		redacted, changed := redactRecursive(n.Params, tracker)
		if changed {
			n.Params = redacted.(map[string]interface{})
			scrubbed = true
		}
	}
	if tracker.ContainsTrackedSecret(wf.Description) {
		wf.Description = RedactedSecretValue
		scrubbed = true
	}
	return scrubbed
}

func redactRecursive(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	switch v := data.(type) {
	case string:
		if tracker.ContainsTrackedSecret(v) {
			return RedactedSecretValue, true
		}
		return v, false

	case map[string]interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			nv, c := redactRecursive(val, tracker)
			out[key] = nv
			changed = changed || c
		}
		return out, changed

	case []interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make([]interface{}, len(v))
		for i, val := range v {
			nv, c := redactRecursive(val, tracker)
			out[i] = nv
			changed = changed || c
		}
		return out, changed

	default:
		return data, false
	}
}
