package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/remote/remotetest"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
)

type stubFeed struct{}

func (stubFeed) State() status.State                                       { return status.Idle }
func (stubFeed) Subscribe(context.Context, []realtime.Subscription) error { return nil }
func (stubFeed) Close()                                                    {}

// shortHome points the session tree at a short /tmp path; Unix socket
// paths are limited to 104 bytes on macOS.
func shortHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "convsync-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.EnvHome, dir)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Identity = config.Identity{UserID: "user-me", TenantID: "tenant-1", FullName: "Me Myself"}
	cfg.Outbox.BaseDelay = config.Duration{Duration: time.Millisecond}
	return cfg
}

func seededBackend() *remotetest.Backend {
	b := remotetest.New()
	t0 := time.Now().Add(-time.Hour).UTC()
	b.AddProfile("user-me", "Me Myself")
	b.AddProfile("user-you", "You There")
	b.AddConversation("direct", model.KindDirect, t0, "user-me", "user-you")
	b.AddMessage("d1", "direct", "user-you", "hello", t0.Add(time.Minute))
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	const name = "test"
	if err := session.EnsureDir(name); err != nil {
		t.Fatal(err)
	}

	// A send interrupted by the previous run.
	db, err := store.Open(session.AppDBPath(name))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordIntent(&model.PendingSendIntent{
		LocalID:        "temp-left-over",
		ConversationID: "direct",
		SenderID:       "user-me",
		Content:        "from last time",
		CreatedAt:      time.Now().Add(-time.Minute).UTC(),
		State:          model.SendSending,
		Attempts:       1,
	}); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	backend := seededBackend()
	app := fx.New(
		Module(Params{
			SessionName: name,
			Config:      testConfig(),
			Logger:      zap.NewNop(),
			Backend:     backend,
			Feed:        stubFeed{},
		}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client := api.Dial(session.SocketPath(name))
	defer client.Close()

	waitFor(t, "pending send to be retried", func() bool {
		pending, err := client.Pending(ctx)
		return err == nil && len(pending) == 0
	})
	if got := backend.Calls("InsertMessage"); got != 1 {
		t.Errorf("InsertMessage calls = %d, want 1", got)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Session != name {
		t.Errorf("session = %q, want %q", st.Session, name)
	}
	if st.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", st.Conversations)
	}

	msgs, err := client.Open(ctx, "direct")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}

	if _, held := lock.Holder(session.Dir(name)); !held {
		t.Error("session lock not held while running")
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, path := range []string{session.SocketPath(name), session.HealthSocketPath(name)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("socket %s not removed: %v", path, err)
		}
	}
	if _, held := lock.Holder(session.Dir(name)); held {
		t.Error("session lock still held after stop")
	}
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	shortHome(t)
	const name = "busy"

	lk, err := lock.Acquire(session.Dir(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(
		Module(Params{
			SessionName: name,
			Config:      testConfig(),
			Logger:      zap.NewNop(),
			Backend:     seededBackend(),
			Feed:        stubFeed{},
		}),
		fx.NopLogger,
	)
	if app.Err() == nil {
		t.Fatal("fx.New() succeeded while the session lock was held")
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	shortHome(t)

	cfg := config.Default()
	cfg.Backend.URL = ""
	app := fx.New(
		Module(Params{SessionName: "bad", Config: cfg, Logger: zap.NewNop()}),
		fx.NopLogger,
	)
	if app.Err() == nil {
		t.Fatal("fx.New() accepted a config without backend url")
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest"}), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestHealthTracksFeedState(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "convsync-health-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	b := bus.New()
	machine := status.NewMachine(b)
	healthPath := filepath.Join(tmpDir, "h.sock")
	srv, err := NewServer(Params{
		SessionName:      "health",
		SocketPath:       filepath.Join(tmpDir, "a.sock"),
		HealthSocketPath: healthPath,
	}, zap.NewNop(), gin.New(), b, machine)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	conn, err := grpc.NewClient("unix://"+healthPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	waitFor(t, "daemon health", func() bool { return check("") == healthpb.HealthCheckResponse_SERVING })
	if got := check(RealtimeService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("realtime before subscribe = %v, want NOT_SERVING", got)
	}

	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(status.Subscribed); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "realtime SERVING", func() bool { return check(RealtimeService) == healthpb.HealthCheckResponse_SERVING })

	if err := machine.TransitionWithReason(status.Degraded, "socket closed"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "realtime NOT_SERVING", func() bool { return check(RealtimeService) == healthpb.HealthCheckResponse_NOT_SERVING })
}
