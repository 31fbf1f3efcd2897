// Package safety vets fix proposals before they reach a shadow
// environment or an operator prompt.
package safety

import (
	"strings"

	"github.com/aegis-sre/aegis/internal/models"
)

// BlockedCommands is the canonical list of command patterns that must
// never run under automation, against a shadow or a real cluster.
// Proposals containing one are demoted to manual remediation.
var BlockedCommands = []string{
	// Cluster-wide destruction
	"kubectl delete namespace",
	"kubectl delete ns",
	"kubectl delete node",
	"kubectl delete pv",
	"kubectl delete crd",
	"kubectl delete customresourcedefinition",
	"kubectl delete --all",
	"delete --all-namespaces",
	"kubectl drain",
	"kubectl cordon",
	// RBAC and admission tampering
	"kubectl delete clusterrole",
	"kubectl delete clusterrolebinding",
	"kubectl delete validatingwebhookconfiguration",
	"kubectl delete mutatingwebhookconfiguration",
	// Secrets exfiltration
	"kubectl get secret",
	"kubectl get secrets",
	// Host-level destruction (in case a proposal escapes kubectl)
	"rm -rf",
	"rm -r",
	"rm -f",
	"dd if=",
	"mkfs",
	"wipefs",
	"shred",
	// Service disruption on nodes
	"systemctl stop",
	"systemctl disable",
	"killall",
	"pkill",
	// System shutdown/reboot
	"shutdown",
	"poweroff",
	"reboot",
	// Database destruction
	"DROP DATABASE",
	"DROP TABLE",
	"TRUNCATE",
}

// normalizeCommandForCheck strips shell quoting, escape characters, and
// normalizes whitespace so that patterns like `'kubectl' delete`,
// `\kubectl delete`, or `kubectl\tdelete` are still matched against the
// blocked list.
func normalizeCommandForCheck(cmd string) string {
	replacer := strings.NewReplacer(
		"\\", "",
		"'", "",
		"\"", "",
		"`", "",
	)
	result := replacer.Replace(cmd)
	fields := strings.Fields(result)
	return strings.Join(fields, " ")
}

// IsBlockedCommand checks if a command contains any blocked pattern
// (case-insensitive). The command is normalized to strip quoting and
// escaping before pattern matching to prevent bypass.
func IsBlockedCommand(command string) bool {
	if command == "" {
		return false
	}
	cmdLower := strings.ToLower(normalizeCommandForCheck(command))
	for _, pattern := range BlockedCommands {
		if strings.Contains(cmdLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// VetProposal scans a fix proposal's commands and rollback commands. If
// any is blocked the proposal is demoted in place to manual remediation
// and the offending commands are returned. A manual proposal never
// reaches a shadow apply or an automated production apply.
func VetProposal(proposal *models.FixProposal) []string {
	if proposal == nil {
		return nil
	}
	var blocked []string
	for _, cmd := range proposal.Commands {
		if IsBlockedCommand(cmd) {
			blocked = append(blocked, cmd)
		}
	}
	for _, cmd := range proposal.RollbackCommands {
		if IsBlockedCommand(cmd) {
			blocked = append(blocked, cmd)
		}
	}
	if len(blocked) > 0 {
		proposal.Kind = models.FixManual
		proposal.Risks = append(proposal.Risks, "proposal contained blocked commands and was demoted to manual")
	}
	return blocked
}
