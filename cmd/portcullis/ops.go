package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/internal/ambient"
	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/config"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
	"github.com/pawelmojski/portcullis/internal/store/postgres"
)

// opsContext bundles the Policy Store and Audit Sink every CLI op needs,
// plus the raw *sql.DB so ops that write Policy rows can NOTIFY a running
// gateway's Expiry Ticker (spec.md §5: observed within 2s).
type opsContext struct {
	store *store.Store
	db    *sql.DB
	audit *audit.Sink
}

func openStore(ctx context.Context) (*opsContext, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	db, err := postgres.Open(ctx, cfg.DBURL)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	st := postgres.NewStore(db)
	as := audit.New(st.Audits, time.Now, ambient.Component("audit"), nil, nil)
	return &opsContext{store: st, db: db, audit: as}, func() { db.Close() }, nil
}

// cliActor identifies the operator running the CLI, for the Actor field
// on Audit rows this op produces.
func cliActor() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func exitForError(err error) int {
	switch {
	case trace.IsNotFound(err):
		return exitNotFound
	case trace.IsAlreadyExists(err):
		return exitConflict
	case trace.IsBadParameter(err):
		return exitUsage
	default:
		return exitOther
	}
}

func runBind(ctx context.Context, proxyIP, backendID string) int {
	oc, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	defer closeFn()

	active, err := oc.store.Stays.ActiveOnProxyIP(ctx, proxyIP)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	if active {
		err := trace.BadParameter("proxy IP %q has active stays, cannot rebind", proxyIP)
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}

	if err := oc.store.Allocations.Bind(ctx, proxyIP, backendID, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}
	oc.audit.RecordAllocationChange(ctx, cliActor(), proxyIP, backendID, "bind")
	fmt.Printf("bound %s -> %s\n", proxyIP, backendID)
	return exitOK
}

func runUnbind(ctx context.Context, proxyIP string) int {
	oc, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	defer closeFn()

	active, err := oc.store.Stays.ActiveOnProxyIP(ctx, proxyIP)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	if active {
		err := trace.BadParameter("proxy IP %q has active stays, cannot unbind", proxyIP)
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}

	if err := oc.store.Allocations.Release(ctx, proxyIP, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}
	oc.audit.RecordAllocationChange(ctx, cliActor(), proxyIP, "", "release")
	fmt.Printf("released %s\n", proxyIP)
	return exitOK
}

func runGrant(ctx context.Context, g *grantFlags) int {
	oc, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	defer closeFn()

	p := model.Policy{
		ID:                  store.NewID(),
		Protocol:            model.Protocol(*g.protocol),
		SSHLogins:           *g.sshLogins,
		AllowPortForwarding: *g.allowPortForwarding,
		Active:              true,
		CreatedAt:           time.Now(),
	}

	switch {
	case *g.subjectPerson != "":
		p.SubjectKind, p.SubjectID = model.SubjectPerson, *g.subjectPerson
	case *g.subjectUserGroup != "":
		p.SubjectKind, p.SubjectID = model.SubjectUserGroup, *g.subjectUserGroup
	default:
		fmt.Fprintln(os.Stderr, "grant requires --subject-person or --subject-group")
		return exitUsage
	}

	switch {
	case *g.scopeServerGroup != "":
		p.ScopeKind, p.ScopeID = model.ScopeServerGroup, *g.scopeServerGroup
	case *g.scopeServer != "":
		p.ScopeKind, p.ScopeID = model.ScopeServer, *g.scopeServer
	case *g.scopeService != "":
		p.ScopeKind, p.ScopeID = model.ScopeService, *g.scopeService
	default:
		fmt.Fprintln(os.Stderr, "grant requires one of --scope-server-group, --scope-server, --scope-service")
		return exitUsage
	}

	p.StartsAt = time.Now()
	if *g.startsInSeconds > 0 {
		p.StartsAt = p.StartsAt.Add(time.Duration(*g.startsInSeconds) * time.Second)
	}
	if *g.endsInSeconds > 0 {
		p.EndsAt = time.Now().Add(time.Duration(*g.endsInSeconds) * time.Second)
	}

	if err := oc.store.Policies.Create(ctx, p); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}
	oc.audit.RecordPolicyWrite(ctx, cliActor(), p.ID, "grant")
	if err := postgres.NotifyPolicyWrite(ctx, oc.db); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to notify running gateways of the policy write:", err)
	}
	fmt.Printf("granted policy %s\n", p.ID)
	return exitOK
}

func runRevoke(ctx context.Context, policyID string) int {
	oc, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	defer closeFn()

	if err := oc.store.Policies.Revoke(ctx, policyID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitForError(err)
	}
	oc.audit.RecordPolicyWrite(ctx, cliActor(), policyID, "revoke")
	if err := postgres.NotifyPolicyWrite(ctx, oc.db); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to notify running gateways of the policy write:", err)
	}
	fmt.Printf("revoked policy %s\n", policyID)
	return exitOK
}

func runStays(ctx context.Context, activeOnly bool, format ambient.OutputFormat) int {
	oc, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	defer closeFn()

	if !activeOnly {
		fmt.Fprintln(os.Stderr, "stays: only --active is currently supported")
		return exitUsage
	}
	stays, err := oc.store.Stays.AllActive(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}

	switch format {
	case ambient.FormatJSON:
		b, _ := json.MarshalIndent(stays, "", "  ")
		fmt.Println(string(b))
	case ambient.FormatYAML:
		b, _ := yaml.Marshal(stays)
		fmt.Print(string(b))
	default:
		for _, st := range stays {
			fmt.Printf("%s\tperson=%s\tbackend=%s\tprotocol=%s\tsource=%s\n", st.ID, st.PersonID, st.BackendID, st.Protocol, st.SourceIP)
		}
	}
	return exitOK
}
