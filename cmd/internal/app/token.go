package app

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"beacon/cmd/internal/auth"
)

// IssueToken implements `beacon token [-ttl d] <user-id>`: it signs a push
// credential with the BEACON_AUTH_JWT_* settings and prints it to w.
func IssueToken(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ttl := fs.Duration("ttl", 0, "token lifetime (default BEACON_AUTH_JWT_TTL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return fmt.Errorf("usage: beacon token [-ttl 15m] <user-id>")
	}

	cfg, err := auth.LoadConfig(os.Getenv)
	if err != nil {
		return err
	}
	if *ttl > 0 {
		cfg.TokenTTL = *ttl
	}
	mgr, err := auth.NewJWTManager(cfg)
	if err != nil {
		return err
	}

	tok, exp, err := mgr.Issue(fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n# expires %s\n", tok, exp.UTC().Format(time.RFC3339))
	return err
}
