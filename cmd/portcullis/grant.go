package main

import (
	"github.com/gravitational/kingpin"
)

// grantFlags collects the `grant` verb's flags into the Policy fields
// spec.md §3 defines, kept minimal per spec.md §6 ("CLI surface (minimal,
// for operations)").
type grantFlags struct {
	subjectPerson    *string
	subjectUserGroup *string

	scopeServerGroup *string
	scopeServer      *string
	scopeService     *string

	protocol            *string
	sshLogins           *[]string
	allowPortForwarding *bool

	startsInSeconds *int64
	endsInSeconds   *int64
}

func bindGrantFlags(cmd *kingpin.CmdClause) *grantFlags {
	g := &grantFlags{}
	g.subjectPerson = cmd.Flag("subject-person", "Grant to a single person, by ID.").String()
	g.subjectUserGroup = cmd.Flag("subject-group", "Grant to a user group, by ID.").String()

	g.scopeServerGroup = cmd.Flag("scope-server-group", "Scope the grant to a server group, by ID.").String()
	g.scopeServer = cmd.Flag("scope-server", "Scope the grant to a single backend, by ID.").String()
	g.scopeService = cmd.Flag("scope-service", "Scope the grant to a single (backend, protocol) pair, by ID.").String()

	g.protocol = cmd.Flag("protocol", "ssh, rdp, or any.").Default("any").String()
	g.sshLogins = cmd.Flag("login", "Permitted SSH login (repeatable).").Strings()
	g.allowPortForwarding = cmd.Flag("allow-port-forwarding", "Permit SSH port forwarding under this grant.").Bool()

	g.startsInSeconds = cmd.Flag("starts-in", "Seconds from now the grant becomes active (default: now).").Int64()
	g.endsInSeconds = cmd.Flag("ends-in", "Seconds from now the grant expires (default: no expiry).").Int64()
	return g
}
