// Command fleetctl talks to routers from the inventory directly: it
// inspects device state, manages hotspot users, and drives sync runs
// and voucher batches against the fleet database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/ros-fleet/internal/config"
	"github.com/and161185/ros-fleet/internal/device"
	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/metrics"
	"github.com/and161185/ros-fleet/internal/model"
	"github.com/and161185/ros-fleet/internal/repository/postgres"
	"github.com/and161185/ros-fleet/internal/ros"
	"github.com/and161185/ros-fleet/internal/syncer"
	"github.com/and161185/ros-fleet/internal/voucher"
)

// ---- utils ----

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `fleetctl
Usage:
  fleetctl -config fleet.yaml [-dsn DSN] <cmd> [args]

Commands:
  version
  identity    -r <router>
  resource    -r <router>
  interfaces  -r <router>
  profiles    -r <router> [-kind hotspot|pppoe]
  users       -r <router>
  user-add    -r <router> -name <user> -password <pw> [-profile <p>] [-comment <c>]
  user-del    -r <router> -name <user>
  active      -r <router>
  monitor     -r <router> -iface <name> [-n <samples>]
  run         -r <router> <path> [key=value ...]
  sync        -r <router>                              (needs -dsn)
  batch-create -r <router> -profile <p> -count <n> [-prefix <s>] [-length <n>]  (needs -dsn)
  batch-start  -id <uuid>                              (needs -dsn)
  batch-show   -id <uuid>                              (needs -dsn)
`)
	os.Exit(2)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

// connect opens a one-shot session to a router from the inventory.
func connect(ctx context.Context, cfg *config.Config, routerID string) (*device.Client, func(), error) {
	identity, err := cfg.Lookup()(routerID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := ros.Open(ctx, identity, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return device.ForSession(sess, routerID), sess.Close, nil
}

// openStore connects to PostgreSQL for the db-backed commands.
func openStore(ctx context.Context, dsn string) (*postgres.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("this command needs -dsn")
	}
	return postgres.New(ctx, dsn)
}

// main dispatches subcommands against the inventory and the store.
func main() {
	cfgPath := flag.String("config", "fleet.yaml", "inventory config file")
	dsn := flag.String("dsn", "", "PostgreSQL DSN for db-backed commands")
	timeout := flag.Duration("timeout", 30*time.Second, "overall command timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	if cmd == "version" {
		fmt.Printf("fleetctl %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {

	case "identity":
		dev, done := mustConnect(ctx, cfg, flag.Args()[1:], "identity")
		defer done()
		name, err := dev.Identity(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Println(name)

	case "resource":
		dev, done := mustConnect(ctx, cfg, flag.Args()[1:], "resource")
		defer done()
		res, err := dev.SystemResource(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(res)

	case "interfaces":
		dev, done := mustConnect(ctx, cfg, flag.Args()[1:], "interfaces")
		defer done()
		ifaces, err := dev.Interfaces(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(ifaces)

	case "profiles":
		fs := flag.NewFlagSet("profiles", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		kind := fs.String("kind", "hotspot", "profile kind: hotspot|pppoe")
		_ = fs.Parse(flag.Args()[1:])
		dev, done := connectOrDie(ctx, cfg, *router)
		defer done()
		profiles, err := dev.Profiles(ctx, model.ProfileKind(*kind))
		if err != nil {
			fail(err)
		}
		printJSON(profiles)

	case "users":
		dev, done := mustConnect(ctx, cfg, flag.Args()[1:], "users")
		defer done()
		creds, err := dev.Credentials(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(creds)

	case "user-add":
		fs := flag.NewFlagSet("user-add", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		name := fs.String("name", "", "username")
		password := fs.String("password", "", "password")
		profile := fs.String("profile", "default", "session profile")
		comment := fs.String("comment", "", "comment")
		_ = fs.Parse(flag.Args()[1:])
		if *name == "" || *password == "" {
			fail(fmt.Errorf("need -name and -password"))
		}
		dev, done := connectOrDie(ctx, cfg, *router)
		defer done()
		err := dev.AddCredential(ctx, model.Credential{
			Username: *name,
			Password: *password,
			Profile:  *profile,
			Note:     *comment,
		})
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "user-del":
		fs := flag.NewFlagSet("user-del", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		name := fs.String("name", "", "username")
		_ = fs.Parse(flag.Args()[1:])
		if *name == "" {
			fail(fmt.Errorf("need -name"))
		}
		dev, done := connectOrDie(ctx, cfg, *router)
		defer done()
		if err := dev.RemoveCredential(ctx, *name); err != nil {
			fail(err)
		}
		// with a store attached, drop the local row as well
		if *dsn != "" {
			db, err := openStore(ctx, *dsn)
			if err != nil {
				fail(err)
			}
			defer db.Close()
			err = postgres.NewCredentialRepo(db).Delete(ctx, *router, *name)
			if err != nil && !errors.Is(err, errs.ErrNotFound) {
				fail(err)
			}
		}
		fmt.Println("ok")

	case "active":
		dev, done := mustConnect(ctx, cfg, flag.Args()[1:], "active")
		defer done()
		sessions, err := dev.ActiveSessions(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(sessions)

	case "monitor":
		fs := flag.NewFlagSet("monitor", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		iface := fs.String("iface", "", "interface name")
		n := fs.Int("n", 0, "stop after this many samples (0 = until interrupted)")
		_ = fs.Parse(flag.Args()[1:])
		if *iface == "" {
			fail(fmt.Errorf("need -iface"))
		}
		runMonitor(cfg, *router, *iface, *n)

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		_ = fs.Parse(flag.Args()[1:])
		rest := fs.Args()
		if len(rest) < 1 {
			fail(fmt.Errorf("need a command path, e.g. /system/identity/print"))
		}
		args := make(map[string]string)
		for _, kv := range rest[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				fail(fmt.Errorf("bad argument %q, want key=value", kv))
			}
			args[k] = v
		}
		dev, done := connectOrDie(ctx, cfg, *router)
		defer done()
		rows, err := dev.Run(ctx, rest[0], args)
		if err != nil {
			fail(err)
		}
		printJSON(rows)

	case "sync":
		fs := flag.NewFlagSet("sync", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		includeActive := fs.Bool("active", false, "include an active-session snapshot")
		_ = fs.Parse(flag.Args()[1:])
		db, err := openStore(ctx, *dsn)
		if err != nil {
			fail(err)
		}
		defer db.Close()
		dev, done := connectOrDie(ctx, cfg, *router)
		defer done()

		m := metrics.New(prometheus.NewRegistry())
		s := syncer.New(postgres.NewProfileRepo(db), postgres.NewCredentialRepo(db), zap.NewNop(), m)
		report, err := s.SyncRouter(ctx, *router, dev, syncer.Options{IncludeActive: *includeActive})
		if err != nil {
			fail(err)
		}
		printJSON(report)

	case "batch-create":
		fs := flag.NewFlagSet("batch-create", flag.ExitOnError)
		router := fs.String("r", "", "router id")
		profile := fs.String("profile", "", "session profile")
		count := fs.Int("count", 0, "number of vouchers")
		prefix := fs.String("prefix", "", "username prefix")
		length := fs.Int("length", 0, "random suffix length")
		_ = fs.Parse(flag.Args()[1:])
		if *router == "" || *profile == "" || *count <= 0 {
			fail(fmt.Errorf("need -r, -profile and a positive -count"))
		}
		db, err := openStore(ctx, *dsn)
		if err != nil {
			fail(err)
		}
		defer db.Close()

		id, err := uuid.NewV4()
		if err != nil {
			fail(err)
		}
		b := model.VoucherBatch{
			ID:        id,
			RouterID:  *router,
			Profile:   *profile,
			Count:     *count,
			Prefix:    *prefix,
			Length:    *length,
			Status:    model.BatchPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := postgres.NewBatchRepo(db).Create(ctx, b); err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "batch-start":
		fs := flag.NewFlagSet("batch-start", flag.ExitOnError)
		idStr := fs.String("id", "", "batch id")
		_ = fs.Parse(flag.Args()[1:])
		batchID, err := uuid.FromString(*idStr)
		if err != nil {
			fail(fmt.Errorf("bad batch id: %w", err))
		}
		db, err := openStore(ctx, *dsn)
		if err != nil {
			fail(err)
		}
		defer db.Close()

		batches := postgres.NewBatchRepo(db)
		b, err := batches.Get(ctx, batchID)
		if err != nil {
			fail(err)
		}
		dev, done := connectOrDie(ctx, cfg, b.RouterID)
		defer done()

		m := metrics.New(prometheus.NewRegistry())
		lc := voucher.New(batches, postgres.NewCredentialRepo(db), voucher.Config{}, zap.NewNop(), m)
		if err := lc.Start(ctx, batchID, dev); err != nil {
			fail(err)
		}
		final, err := batches.Get(ctx, batchID)
		if err != nil {
			fail(err)
		}
		printJSON(final)

	case "batch-show":
		fs := flag.NewFlagSet("batch-show", flag.ExitOnError)
		idStr := fs.String("id", "", "batch id")
		_ = fs.Parse(flag.Args()[1:])
		batchID, err := uuid.FromString(*idStr)
		if err != nil {
			fail(fmt.Errorf("bad batch id: %w", err))
		}
		db, err := openStore(ctx, *dsn)
		if err != nil {
			fail(err)
		}
		defer db.Close()

		b, err := postgres.NewBatchRepo(db).Get(ctx, batchID)
		if err != nil {
			fail(err)
		}
		creds, err := postgres.NewCredentialRepo(db).ListByBatch(ctx, batchID)
		if err != nil {
			fail(err)
		}
		printJSON(struct {
			Batch       *model.VoucherBatch `json:"batch"`
			Credentials []model.Credential  `json:"credentials"`
		}{b, creds})

	default:
		usage()
	}
}

// mustConnect parses the common "-r router" flag set and connects.
func mustConnect(ctx context.Context, cfg *config.Config, args []string, name string) (*device.Client, func()) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	router := fs.String("r", "", "router id")
	_ = fs.Parse(args)
	return connectOrDie(ctx, cfg, *router)
}

func connectOrDie(ctx context.Context, cfg *config.Config, routerID string) (*device.Client, func()) {
	if routerID == "" {
		fail(fmt.Errorf("need -r <router>"))
	}
	dev, done, err := connect(ctx, cfg, routerID)
	if err != nil {
		fail(err)
	}
	return dev, done
}

// runMonitor streams traffic samples until interrupted or n samples
// have been printed. The stream outlives the default command timeout.
func runMonitor(cfg *config.Config, routerID, iface string, n int) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, done := connectOrDie(ctx, cfg, routerID)
	defer done()

	samples := make(chan model.TrafficSample, 16)
	errCh := make(chan error, 1)
	sub, err := dev.MonitorTraffic(iface, func(s model.TrafficSample) {
		select {
		case samples <- s:
		default:
		}
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		fail(err)
	}
	defer func() { _ = sub.Cancel() }()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			fail(err)
		case s := <-samples:
			fmt.Printf("%s rx=%d bps tx=%d bps\n", s.Interface, s.RxBPS, s.TxBPS)
			seen++
			if n > 0 && seen >= n {
				return
			}
		}
	}
}
