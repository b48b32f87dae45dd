// Command authctl is the operator and client CLI for the authentication service.
//
// Operator commands (migrate, invite, unlock, status, edge, prune) work on the
// store directly and need the server config. Client commands (login, me,
// sessions, logout) talk to a running server over gRPC.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	grpcserver "github.com/and161185/clinauth/internal/server/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// ---- token store ----

type tokenFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "clinauth")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "clinauth")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.AccessToken == "" {
		return tf, errors.New("no token (login required)")
	}
	return tf, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type client struct {
	addr, caPath string
	insecure     bool
}

func (c client) dial(ctx context.Context, bearer string) (*grpc.ClientConn, error) {
	creds, err := loadTLS(c.caPath, c.insecure)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: true}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	return grpc.DialContext(ctx, c.addr, opts...)
}

// call dials, invokes one method and closes the connection.
func (c client) call(ctx context.Context, bearer, method string, in map[string]any) (map[string]any, error) {
	cc, err := c.dial(ctx, bearer)
	if err != nil {
		return nil, err
	}
	defer cc.Close()
	return grpcserver.Invoke(ctx, cc, method, in)
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `authctl
Usage:
  authctl [-config file] [-addr HOST:PORT] [-cacert file | -insecure] <cmd> [args]

Operator commands (use -config):
  migrate                                     apply schema migrations
  migrate-status                              print applied schema version
  invite   -type T -email E [-role R] [-org UUID]
  unlock   -type T -id UUID
  status   -type T -id UUID -set active|inactive|locked
  edge     grant|deactivate -kind K -from UUID -to UUID [-expires RFC3339]
  prune                                       drop expired revocations and challenges
  hash-password [-password P]                 print an Argon2id hash and salt (reads stdin without -password)
  version

Client commands (use -addr):
  login    -type T -email E -password P [-mfa-method M -mfa-code C]
  refresh
  me
  sessions
  logout
`)
	os.Exit(2)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	cfgPath := flag.String("config", "", "server YAML config (operator commands)")
	addr := flag.String("addr", "localhost:8443", "server addr (client commands)")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("authctl %s (%s)\n", version, buildDate)
		return
	case "hash-password":
		if err := runHashPassword(args, os.Stdin, os.Stdout); err != nil {
			fail(err)
		}
		return
	}
	if run, ok := operatorCommands[cmd]; ok {
		if err := runOperator(ctx, *cfgPath, run, args, os.Stdout); err != nil {
			fail(err)
		}
		return
	}
	if run, ok := clientCommands[cmd]; ok {
		if err := run(ctx, client{addr: *addr, caPath: *caPath, insecure: *insecure}, args, os.Stdout); err != nil {
			fail(err)
		}
		return
	}
	usage()
}

type clientFunc func(ctx context.Context, c client, args []string, w io.Writer) error

var clientCommands = map[string]clientFunc{
	"login":    runLogin,
	"refresh":  runRefresh,
	"me":       runAuthed("Me"),
	"sessions": runAuthed("ListSessions"),
	"logout":   runLogout,
}

func storeTokens(out map[string]any) error {
	tf := tokenFile{}
	tf.AccessToken, _ = out["access_token"].(string)
	tf.RefreshToken, _ = out["refresh_token"].(string)
	if exp, ok := out["access_expires_at"].(string); ok {
		tf.ExpiresAt, _ = time.Parse(time.RFC3339, exp)
	}
	return saveToken(tf)
}

func runLogin(ctx context.Context, c client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	typ := fs.String("type", "clinician", "principal type")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	method := fs.String("mfa-method", "", "totp, sms or backup_code")
	code := fs.String("mfa-code", "", "second-factor code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("need -email and -password")
	}
	in := map[string]any{"principal_type": *typ, "email": *email, "password": *password}
	if *method != "" {
		in["mfa_method"], in["mfa_code"] = *method, *code
	}
	out, err := c.call(ctx, "", "Login", in)
	if err != nil {
		return err
	}
	if err := storeTokens(out); err != nil {
		return err
	}
	printJSON(w, map[string]any{"principal_id": out["principal_id"], "session_id": out["session_id"]})
	return nil
}

func runRefresh(ctx context.Context, c client, _ []string, w io.Writer) error {
	tf, err := loadToken()
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "", "Refresh", map[string]any{"refresh_token": tf.RefreshToken})
	if err != nil {
		return err
	}
	if err := storeTokens(out); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func runAuthed(method string) clientFunc {
	return func(ctx context.Context, c client, _ []string, w io.Writer) error {
		tf, err := loadToken()
		if err != nil {
			return err
		}
		out, err := c.call(ctx, tf.AccessToken, method, nil)
		if err != nil {
			return err
		}
		printJSON(w, out)
		return nil
	}
}

func runLogout(ctx context.Context, c client, _ []string, w io.Writer) error {
	tf, err := loadToken()
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, "", "Logout", map[string]any{"token": tf.AccessToken}); err != nil {
		return err
	}
	if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}
