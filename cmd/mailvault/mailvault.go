// The mailvault command incrementally archives remote mailboxes into
// an immutable, content-addressed local store.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mailvault/mailvault/internal/config"
	"github.com/mailvault/mailvault/internal/engine"
	"github.com/mailvault/mailvault/internal/notify"
	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/remote"
	"github.com/mailvault/mailvault/internal/remote/gmail"
	"github.com/mailvault/mailvault/internal/remote/jmap"
	"github.com/mailvault/mailvault/internal/state"
	"github.com/mailvault/mailvault/internal/tracehttp"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace       = flag.Bool("T", false, "request debug tracing")
	flagConfig      = flag.String("config", "", "path to the configuration file")
	flagAccount     = flag.String("account", "", "sync only the named account")
	flagStoreSecret = flag.Bool("store-secret", false,
		"read a secret from stdin, store it in the keyring for -account, and exit")
)

// storeSecret saves the remote secret for the account named by
// -account, so config files need not carry credentials.
func storeSecret() error {
	if *flagAccount == "" {
		return errors.New("-store-secret requires -account")
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "unable to read secret from stdin")
		}
		return errors.New("no secret on stdin")
	}
	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return errors.New("refusing to store an empty secret")
	}
	return config.KeyringSet(*flagAccount+"/remote-secret", secret)
}

func buildRemote(ctx context.Context, a *config.Account) (remote.Mailbox, error) {
	switch a.Remote.Kind {
	case "jmap":
		secret, err := a.ResolveSecret()
		if err != nil {
			return nil, err
		}
		return jmap.New(jmap.Options{
			Endpoint: a.Remote.Endpoint,
			Auth:     a.Remote.Auth,
			Username: a.Remote.Username,
			Secret:   secret,
		})
	case "gmail":
		secret := a.Remote.Secret
		if secret == "" && a.Remote.TokenCommand == "" {
			var err error
			if secret, err = a.ResolveSecret(); err != nil {
				return nil, err
			}
		}
		hc, err := gmail.NewHTTPClient(secret, a.Remote.TokenCommand)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, hc)
	}
	return nil, errors.Errorf("unknown remote kind %q", a.Remote.Kind)
}

func syncAccount(ctx context.Context, cfg *config.Config, states *state.Store,
	lockDir string, a *config.Account) error {
	m, err := buildRemote(ctx, a)
	if err != nil {
		return errors.Wrapf(err, "unable to initialize remote for %q", a.Name)
	}
	store, err := objstore.OpenDir(a.Storage.Root)
	if err != nil {
		return errors.Wrapf(err, "unable to open archive for %q", a.Name)
	}

	var notifier notify.Notifier = notify.Log{}
	if cfg.Index {
		ix, err := notify.OpenIndex(ctx,
			filepath.Join(cfg.StateDir, a.Name+"-index.db"), store)
		if err != nil {
			return errors.Wrapf(err, "unable to open index for %q", a.Name)
		}
		defer ix.Close()
		notifier = notify.Multi{notify.Log{}, ix}
	}

	e := engine.New(m, store, states, notifier, lockDir, engine.Options{})
	err = e.Sync(ctx, a.Name)
	if objErrs, ok := engine.AsObjectErrors(err); ok {
		// The archive is up to date except for these; report and
		// carry on.
		for _, oe := range objErrs {
			log.Printf("warning: %v", oe)
		}
		return nil
	}
	return err
}

func run() error {
	if *flagStoreSecret {
		return storeSecret()
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	ctx := context.Background()
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return errors.Wrap(err, "unable to create state directory")
	}
	lockDir := filepath.Join(cfg.StateDir, "locks")
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return errors.Wrap(err, "unable to create lock directory")
	}

	states, err := state.Open(ctx, filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return errors.Wrap(err, "unable to initialize state store")
	}
	defer states.Close()

	accounts := cfg.Accounts
	if *flagAccount != "" {
		a, err := cfg.Account(*flagAccount)
		if err != nil {
			return err
		}
		accounts = []config.Account{*a}
	}

	// Accounts are fully independent; sync them in parallel.
	grp, ctx := errgroup.WithContext(ctx)
	for i := range accounts {
		a := &accounts[i]
		grp.Go(func() error {
			return syncAccount(ctx, cfg, states, lockDir, a)
		})
	}
	return grp.Wait()
}

func main() {
	flag.Parse()
	if *flagTrace {
		tracehttp.WrapDefaultTransport()
	}

	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	fmt.Print("Success!\n")
	os.Exit(0)
}
