package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/app"
	"github.com/and161185/clinauth/internal/config"
	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/migrate"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/service"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// operatorFunc runs against a wired core. cfg is passed for commands that
// touch the database directly.
type operatorFunc func(ctx context.Context, cfg config.Config, core *app.App, args []string, w io.Writer) error

var operatorCommands = map[string]operatorFunc{
	"migrate":        runMigrate,
	"migrate-status": runMigrateStatus,
	"invite":         runInvite,
	"unlock":         runUnlock,
	"status":         runStatus,
	"edge":           runEdge,
	"prune":          runPrune,
}

func runOperator(ctx context.Context, cfgPath string, run operatorFunc, args []string, w io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	core, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer core.Close()
	return run(ctx, cfg, core, args, w)
}

func requirePostgres(cfg config.Config) error {
	if cfg.Database.Driver != "postgres" {
		return errors.New("command needs the postgres driver")
	}
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config, _ *app.App, _ []string, w io.Writer) error {
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	if err := migrate.Up(ctx, string(cfg.Database.DSN)); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func runMigrateStatus(ctx context.Context, cfg config.Config, _ *app.App, _ []string, w io.Writer) error {
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	v, err := migrate.Status(ctx, string(cfg.Database.DSN))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "version %d\n", v)
	return nil
}

// refFlags registers -type and -id and returns a parser for them.
func refFlags(fs *flag.FlagSet) func() (model.PrincipalRef, error) {
	typ := fs.String("type", "", "principal type: clinician or participant")
	id := fs.String("id", "", "principal id")
	return func() (model.PrincipalRef, error) {
		t := model.PrincipalType(*typ)
		if !t.Valid() {
			return model.PrincipalRef{}, fmt.Errorf("bad -type %q", *typ)
		}
		u, err := uuid.FromString(*id)
		if err != nil {
			return model.PrincipalRef{}, fmt.Errorf("bad -id: %w", err)
		}
		return model.PrincipalRef{Type: t, ID: u}, nil
	}
}

func runInvite(ctx context.Context, _ config.Config, core *app.App, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	typ := fs.String("type", "", "principal type: clinician or participant")
	email := fs.String("email", "", "invitee email")
	role := fs.String("role", "", "clinician or admin (clinicians only)")
	org := fs.String("org", "", "organization id (clinicians only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := service.InviteRequest{Type: model.PrincipalType(*typ), Role: model.Role(*role), Email: *email}
	if *org != "" {
		id, err := uuid.FromString(*org)
		if err != nil {
			return fmt.Errorf("bad -org: %w", err)
		}
		req.OrganizationID = &id
	}
	raw, err := core.Auth.Invite(ctx, req)
	if err != nil {
		return err
	}
	printJSON(w, map[string]any{"invitation": raw})
	return nil
}

func runUnlock(ctx context.Context, _ config.Config, core *app.App, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	ref := refFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := ref()
	if err != nil {
		return err
	}
	if err := core.Auth.Unlock(ctx, r); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func runStatus(ctx context.Context, _ config.Config, core *app.App, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	ref := refFlags(fs)
	set := fs.String("set", "", "active, inactive or locked; empty prints the current status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := ref()
	if err != nil {
		return err
	}
	if *set != "" {
		if err := core.Auth.SetStatus(ctx, r, model.Status(*set)); err != nil {
			return err
		}
	}
	p, err := core.Principals.GetByID(ctx, r)
	if err != nil {
		return err
	}
	out := map[string]any{"id": p.ID.String(), "type": string(p.Type), "status": string(p.Status), "failed_attempts": p.FailedAttempts}
	if p.LockedUntil != nil {
		out["locked_until"] = p.LockedUntil.UTC().Format(time.RFC3339)
	}
	printJSON(w, out)
	return nil
}

func runEdge(ctx context.Context, _ config.Config, core *app.App, args []string, w io.Writer) error {
	if len(args) < 1 || (args[0] != "grant" && args[0] != "deactivate") {
		return errors.New("edge: need grant or deactivate")
	}
	fs := flag.NewFlagSet("edge", flag.ContinueOnError)
	kind := fs.String("kind", "", "care_team, study_assignment, enrollment or questionnaire_access")
	from := fs.String("from", "", "principal id")
	to := fs.String("to", "", "subject id")
	expires := fs.String("expires", "", "expiry (RFC3339), grant only")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	fromID, err := uuid.FromString(*from)
	if err != nil {
		return fmt.Errorf("bad -from: %w", err)
	}
	toID, err := uuid.FromString(*to)
	if err != nil {
		return fmt.Errorf("bad -to: %w", err)
	}

	if args[0] == "deactivate" {
		if err := core.Authz.DeactivateEdge(ctx, nil, model.EdgeKind(*kind), fromID, toID); err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")
		return nil
	}

	var exp *time.Time
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("bad -expires: %w", err)
		}
		exp = &t
	}
	edge, err := core.Authz.GrantEdge(ctx, nil, model.EdgeKind(*kind), fromID, toID, exp)
	if err != nil {
		return err
	}
	printJSON(w, map[string]any{"id": edge.ID.String(), "kind": string(edge.Kind)})
	return nil
}

func runPrune(ctx context.Context, _ config.Config, core *app.App, _ []string, w io.Writer) error {
	stats, err := core.Auth.PruneExpired(ctx)
	if err != nil {
		return err
	}
	printJSON(w, map[string]any{"revocations": stats.Revocations, "challenges": stats.Challenges})
	return nil
}

// runHashPassword prints a hash and salt suitable for seeding a principal row.
func runHashPassword(args []string, in io.Reader, w io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	password := fs.String("password", "", "password; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw := *password
	if pw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return errors.New("empty password")
	}
	hash, salt, err := crypto.NewPasswordHash(pw)
	if err != nil {
		return err
	}
	printJSON(w, map[string]any{
		"pwd_hash": base64.StdEncoding.EncodeToString(hash),
		"salt":     base64.StdEncoding.EncodeToString(salt),
	})
	return nil
}
