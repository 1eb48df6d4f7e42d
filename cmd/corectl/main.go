package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ziebelje/cora/pkg/auth"
	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/httpx"
	"github.com/ziebelje/cora/pkg/session"
	"github.com/ziebelje/cora/pkg/store"
)

type ctlDB interface {
	database.Conn
	Close()
}

// Testable variables for main()
var (
	osExit      = os.Exit
	openDBFn    = func(ctx context.Context) (ctlDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn = store.NewRedis
	httpClient  = &http.Client{Timeout: 5 * time.Second}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		cancel()
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-api-key":
		return genAPIKey(ctx, args[1:], out)
	case "revoke-api-key":
		return revokeAPIKey(ctx, args[1:], out)
	case "revoke-session":
		return revokeSession(ctx, args[1:], out)
	case "hash-key":
		return hashKey(args[1:], out)
	case "wait-ready":
		return waitReady(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "corectl commands:")
	fmt.Fprintln(out, "  gen-api-key --name <name>")
	fmt.Fprintln(out, "  revoke-api-key (--key <key> | --hash <sha256>)")
	fmt.Fprintln(out, "  revoke-session --token <session_key>")
	fmt.Fprintln(out, "  hash-key --key <key>")
	fmt.Fprintln(out, "  wait-ready --url http://localhost:8080/healthz --attempts 30 --delay 1s")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// keyStore opens the database and the shared key cache, so revocations are
// visible to running API instances immediately.
func keyStore(ctx context.Context) (*auth.DBKeyStore, func(), error) {
	db, err := openDBFn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	client, err := openRedisFn(ctx)
	if err != nil {
		client = nil
	}
	closeAll := func() {
		db.Close()
		if client != nil {
			_ = client.Close()
		}
	}
	return auth.NewDBKeyStore(db, store.NewCache(ctx, client, "cora:apikey:"), time.Minute), closeAll, nil
}

func genAPIKey(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("gen-api-key")
	name := fs.String("name", "", "key owner name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("name required")
	}
	keys, closeAll, err := keyStore(ctx)
	if err != nil {
		return err
	}
	defer closeAll()
	key, rec, err := keys.Create(ctx, *name)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]any{"id": rec.ID, "name": rec.Name, "key": key, "hash": rec.Hash})
}

func revokeAPIKey(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("revoke-api-key")
	key := fs.String("key", "", "plaintext key")
	hash := fs.String("hash", "", "sha256 hash of the key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	h := strings.TrimSpace(*hash)
	if *key != "" {
		h = auth.HashKey(*key)
	}
	if h == "" {
		return errors.New("key or hash required")
	}
	keys, closeAll, err := keyStore(ctx)
	if err != nil {
		return err
	}
	defer closeAll()
	revoked, err := keys.Revoke(ctx, h)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("no active api key with hash %s", h)
	}
	fmt.Fprintf(out, "revoked %s\n", h)
	return nil
}

func revokeSession(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("revoke-session")
	token := fs.String("token", "", "session key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*token) == "" {
		return errors.New("token required")
	}
	db, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()
	sessions := session.New(database.New(db), session.WithOrigin("corectl"))
	revoked, err := sessions.Revoke(ctx, *token)
	if err != nil {
		return err
	}
	if !revoked {
		return errors.New("no live session with that token")
	}
	fmt.Fprintln(out, "session revoked")
	return nil
}

func hashKey(args []string, out io.Writer) error {
	fs := newFlagSet("hash-key")
	key := fs.String("key", "", "plaintext key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("key required")
	}
	fmt.Fprintln(out, auth.HashKey(*key))
	return nil
}

func waitReady(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("wait-ready")
	url := fs.String("url", "http://localhost:8080/healthz", "health endpoint")
	attempts := fs.Int("attempts", 30, "number of attempts")
	delay := fs.Duration("delay", time.Second, "delay between attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *attempts < 1 {
		*attempts = 1
	}
	status, body, err := httpx.RequestJSON(ctx, httpClient, http.MethodGet, *url, nil, nil, *attempts-1, *delay)
	if err != nil {
		return fmt.Errorf("wait-ready: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("wait-ready: %s returned %d: %s", *url, status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}
