package shadow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/models"
)

// Change keys accepted by Runtime.Apply. Anything else is rejected
// before it can touch the environment.
const (
	ChangeImage     = "image"
	ChangeReplicas  = "replicas"
	ChangeEnv       = "env"
	ChangeResources = "resources"
	ChangeCommand   = "command"
	ChangeArgs      = "args"
	ChangePatch     = "patch"
)

var knownChangeKeys = map[string]bool{
	ChangeImage:     true,
	ChangeReplicas:  true,
	ChangeEnv:       true,
	ChangeResources: true,
	ChangeCommand:   true,
	ChangeArgs:      true,
	ChangePatch:     true,
}

// ValidateChanges rejects unknown change keys up front so a typo in a
// proposal cannot silently do nothing.
func ValidateChanges(changes map[string]interface{}) error {
	for key := range changes {
		if !knownChangeKeys[key] {
			return aegiserrors.New(aegiserrors.KindValidation, "validate_changes", key, aegiserrors.ErrUnsupportedChange)
		}
	}
	return nil
}

// ChangesFromProposal translates a fix proposal into the typed change
// set the runtime applies. Proposals whose commands cannot be expressed
// declaratively return ErrUnsupportedChange; they need a human.
func ChangesFromProposal(proposal *models.FixProposal) (map[string]interface{}, error) {
	if proposal == nil {
		return nil, aegiserrors.WrapValidation("changes_from_proposal", aegiserrors.ErrInvalidInput)
	}
	if proposal.Kind == models.FixManual {
		return nil, aegiserrors.New(aegiserrors.KindValidation, "changes_from_proposal", string(proposal.Kind), aegiserrors.ErrUnsupportedChange)
	}

	changes := make(map[string]interface{})
	for _, cmd := range proposal.Commands {
		if err := translateCommand(cmd, changes); err != nil {
			return nil, err
		}
	}
	for _, manifest := range proposal.Manifests {
		// A full manifest replacement rides the patch channel.
		changes[ChangePatch] = manifest
	}
	if len(changes) == 0 {
		return nil, aegiserrors.New(aegiserrors.KindValidation, "changes_from_proposal", "empty", aegiserrors.ErrUnsupportedChange)
	}
	return changes, nil
}

// translateCommand maps the kubectl idioms the fix stage is prompted to
// produce onto typed changes.
func translateCommand(cmd string, changes map[string]interface{}) error {
	fields := strings.Fields(cmd)
	joined := strings.Join(fields, " ")

	switch {
	case strings.Contains(joined, "set image"):
		for _, field := range fields {
			if idx := strings.Index(field, "image="); idx >= 0 {
				changes[ChangeImage] = field[idx+len("image="):]
				return nil
			}
			if strings.Contains(field, "=") && !strings.HasPrefix(field, "-") && !strings.Contains(field, "/") {
				parts := strings.SplitN(field, "=", 2)
				if len(parts) == 2 && strings.Contains(parts[1], ":") {
					changes[ChangeImage] = parts[1]
					return nil
				}
			}
		}
		return unsupported(cmd)

	case strings.Contains(joined, "scale"):
		for _, field := range fields {
			if strings.HasPrefix(field, "--replicas=") {
				n, err := strconv.Atoi(strings.TrimPrefix(field, "--replicas="))
				if err != nil {
					return unsupported(cmd)
				}
				changes[ChangeReplicas] = n
				return nil
			}
		}
		return unsupported(cmd)

	case strings.Contains(joined, "set env"):
		env, _ := changes[ChangeEnv].(map[string]string)
		if env == nil {
			env = make(map[string]string)
		}
		found := false
		for _, field := range fields[2:] {
			if strings.HasPrefix(field, "-") || !strings.Contains(field, "=") {
				continue
			}
			parts := strings.SplitN(field, "=", 2)
			if parts[0] == strings.ToUpper(parts[0]) && parts[0] != "" {
				env[parts[0]] = parts[1]
				found = true
			}
		}
		if !found {
			return unsupported(cmd)
		}
		changes[ChangeEnv] = env
		return nil

	case strings.Contains(joined, "rollout restart"):
		// A restart is expressed as an empty patch; the runtime bumps the
		// pod template annotation to force new pods.
		changes[ChangePatch] = restartPatch()
		return nil

	case strings.Contains(joined, "patch"):
		if patch, ok := extractPatchPayload(joined); ok {
			changes[ChangePatch] = patch
			return nil
		}
		return unsupported(cmd)

	default:
		return unsupported(cmd)
	}
}

func unsupported(cmd string) error {
	return aegiserrors.New(aegiserrors.KindValidation, "translate_command", cmd, aegiserrors.ErrUnsupportedChange)
}

// extractPatchPayload pulls the -p/--patch argument out of a kubectl
// patch command, tolerating single or double quoting.
func extractPatchPayload(cmd string) (string, bool) {
	for _, flag := range []string{"-p=", "--patch=", "-p ", "--patch "} {
		idx := strings.Index(cmd, flag)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(cmd[idx+len(flag):])
		if rest == "" {
			continue
		}
		if rest[0] == '\'' || rest[0] == '"' {
			quote := rest[0]
			if end := strings.IndexByte(rest[1:], quote); end >= 0 {
				payload := rest[1 : 1+end]
				if json.Valid([]byte(payload)) {
					return payload, true
				}
			}
			continue
		}
		if fields := strings.Fields(rest); len(fields) > 0 && json.Valid([]byte(fields[0])) {
			return fields[0], true
		}
	}
	return "", false
}

// nowRFC3339 is a test seam so restart patches are deterministic.
var nowRFC3339 = func() string { return time.Now().UTC().Format(time.RFC3339) }

func restartPatch() string {
	return fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{"aegis.dev/restartedAt":%q}}}}}`, nowRFC3339())
}
