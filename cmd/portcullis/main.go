// Command portcullis is the gateway's CLI surface: the `serve` verb boots
// the proxy runtime; the remaining five verbs are thin administrative
// commands over the Policy Store, in the spirit of tool/tctl/common's
// Initialize/TryRun dispatch (spec.md §6's "CLI surface (minimal, for
// operations)").
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"

	"github.com/pawelmojski/portcullis/internal/ambient"
)

const (
	exitOK              = 0
	exitOther           = 1
	exitUsage           = 2
	exitPolicyViolation = 3
	exitNotFound        = 4
	exitConflict        = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := ambient.InitCLIParser("portcullis", "Policy-enforcing SSH/RDP gateway.")

	serveCmd := app.Command("serve", "Run the proxy runtime (SSH/RDP front-ends, expiry ticker, transcode queue).")

	bindCmd := app.Command("bind", "Bind a proxy IP to a backend.")
	bindProxyIP := bindCmd.Arg("proxy_ip", "Proxy IP to bind.").Required().String()
	bindBackend := bindCmd.Arg("backend", "Backend ID to bind to.").Required().String()

	unbindCmd := app.Command("unbind", "Release a proxy IP's active allocation.")
	unbindProxyIP := unbindCmd.Arg("proxy_ip", "Proxy IP to release.").Required().String()

	grantCmd := app.Command("grant", "Create a policy granting a subject access to a scope.")
	grantArgs := bindGrantFlags(grantCmd)

	revokeCmd := app.Command("revoke", "Revoke a policy.")
	revokePolicyID := revokeCmd.Arg("policy_id", "Policy ID to revoke.").Required().String()

	staysCmd := app.Command("stays", "List stays.")
	staysActive := staysCmd.Flag("active", "Only list active stays.").Bool()
	staysFormat := staysCmd.Flag("format", "Output format: text, json, or yaml.").Default("text").String()

	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	ctx := context.Background()
	switch cmd {
	case serveCmd.FullCommand():
		return runServe(ctx)
	case bindCmd.FullCommand():
		return runBind(ctx, *bindProxyIP, *bindBackend)
	case unbindCmd.FullCommand():
		return runUnbind(ctx, *unbindProxyIP)
	case grantCmd.FullCommand():
		return runGrant(ctx, grantArgs)
	case revokeCmd.FullCommand():
		return runRevoke(ctx, *revokePolicyID)
	case staysCmd.FullCommand():
		return runStays(ctx, *staysActive, ambient.OutputFormat(*staysFormat))
	default:
		return exitUsage
	}
}
