package providers

import (
	"fmt"
	"strings"
)

// CloudInitUserData returns a minimal cloud-init document that:
// - sets the instance hostname to its fleet member name
// - optionally appends an extra authorized key for the login user
//
// Bot images are prebuilt, so nothing is installed here.
func CloudInitUserData(hostname, username, sshAuthorizedKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#cloud-config\nhostname: %s\npreserve_hostname: false\n", hostname)
	if username != "" && sshAuthorizedKey != "" {
		fmt.Fprintf(&b, "users:\n  - default\n  - name: %s\n    ssh_authorized_keys:\n      - %s\n", username, strings.TrimSpace(sshAuthorizedKey))
	}
	fmt.Fprintf(&b, "runcmd:\n  - hostnamectl set-hostname %s\n", hostname)
	return b.String()
}
