package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chirpwatch/internal/config"
	"chirpwatch/internal/source"
	"chirpwatch/internal/state"
	logx "chirpwatch/pkg/logx"
)

type fakeSource struct {
	mu          sync.Mutex
	profiles    map[string]source.Profile
	timelines   map[string][]source.Item
	profileErr  map[string]error
	timelineErr map[string]error
	panicOn     map[string]bool

	profileCalls atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		profiles:    map[string]source.Profile{},
		timelines:   map[string][]source.Item{},
		profileErr:  map[string]error{},
		timelineErr: map[string]error{},
		panicOn:     map[string]bool{},
	}
}

func (f *fakeSource) FetchProfile(ctx context.Context, handle string) (source.Profile, error) {
	f.profileCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[handle] {
		panic("boom: " + handle)
	}
	if err := f.profileErr[handle]; err != nil {
		return source.Profile{}, err
	}
	p, ok := f.profiles[handle]
	if !ok {
		p = source.Profile{Handle: handle, Name: handle}
	}
	return p, nil
}

func (f *fakeSource) FetchTimeline(ctx context.Context, handle string) ([]source.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.timelineErr[handle]; err != nil {
		return nil, err
	}
	return append([]source.Item(nil), f.timelines[handle]...), nil
}

func (f *fakeSource) setTimeline(handle string, items ...source.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timelines[handle] = items
}

func (f *fakeSource) setPinned(handle, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[handle] = source.Profile{Handle: handle, Name: handle, PinnedID: id}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Send(ctx context.Context, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func orig(id string) source.Item {
	return source.Item{ID: id, Kind: source.KindOriginal, Text: "text " + id, URL: "https://x.com/a/status/" + id}
}

func reply(id string) source.Item {
	return source.Item{ID: id, Kind: source.KindReply, Text: "text " + id, URL: "https://x.com/a/status/" + id}
}

type testEnv struct {
	svc   *Service
	src   *fakeSource
	notif *fakeNotifier
	store state.Store
	cfgm  *config.Manager

	statePath string
}

func newTestEnv(t *testing.T, accounts ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfgm := config.NewManager(filepath.Join(dir, "config.json"))
	cfgm.Commit(&config.Config{
		Accounts:            accounts,
		Running:             true,
		PollIntervalSeconds: 1,
	})

	statePath := filepath.Join(dir, "state.json")
	st, err := state.Open(state.Config{Driver: "file", Path: statePath}, logx.Nop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}

	src := newFakeSource()
	notif := &fakeNotifier{}
	svc := New(cfgm, st, src, notif, logx.Nop())
	svc.accountPause = 0
	svc.tick = time.Millisecond
	svc.crashPause = 0

	return &testEnv{svc: svc, src: src, notif: notif, store: st, cfgm: cfgm, statePath: statePath}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPrimingIsSilent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	env.src.setTimeline("alice", orig("1"))

	if err := env.svc.checkAccount(context.Background(), "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	if n := env.notif.count(); n != 0 {
		t.Fatalf("priming sent %d notifications, want 0", n)
	}
	if id, ok := env.store.Get(state.Key{Account: "alice", Slot: state.SlotOriginal}); !ok || id != "1" {
		t.Fatalf("original slot = %q ok=%v, want 1", id, ok)
	}
	// The (empty) pinned reference is primed too.
	if _, ok := env.store.Get(state.Key{Account: "alice", Slot: state.SlotPinned}); !ok {
		t.Fatal("pinned slot not primed")
	}
}

func TestNewItemNotifiesExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setTimeline("alice", orig("1"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	// Newest first; first match wins.
	env.src.setTimeline("alice", orig("2"), orig("1"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	if n := env.notif.count(); n != 1 {
		t.Fatalf("sent %d notifications, want 1", n)
	}
	if msg := env.notif.last(); !strings.Contains(msg, "New original post") || !strings.Contains(msg, "status/2") {
		t.Fatalf("unexpected message: %q", msg)
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotOriginal}); id != "2" {
		t.Fatalf("original slot = %q, want 2", id)
	}

	// Idempotence: the same fetch result again is a no-op.
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if n := env.notif.count(); n != 1 {
		t.Fatalf("repeat sweep sent %d notifications, want still 1", n)
	}
}

func TestCategoryIsolation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setTimeline("alice", orig("10"), reply("20"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	env.src.setTimeline("alice", orig("10"), reply("21"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	if n := env.notif.count(); n != 1 {
		t.Fatalf("sent %d notifications, want 1 (reply only)", n)
	}
	if !strings.Contains(env.notif.last(), "New reply") {
		t.Fatalf("unexpected message: %q", env.notif.last())
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotOriginal}); id != "10" {
		t.Fatalf("original slot changed to %q", id)
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotReply}); id != "21" {
		t.Fatalf("reply slot = %q, want 21", id)
	}
}

func TestPinnedAndCategoryCoordination(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setTimeline("alice", orig("1"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	// The newest original is also the newly pinned item: exactly one
	// notification (the pinned change), not two.
	env.src.setPinned("alice", "2")
	env.src.setTimeline("alice", orig("2"), orig("1"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	if n := env.notif.count(); n != 1 {
		t.Fatalf("sent %d notifications, want exactly 1", n)
	}
	if !strings.Contains(env.notif.last(), "Pinned post changed") {
		t.Fatalf("unexpected message: %q", env.notif.last())
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotOriginal}); id != "2" {
		t.Fatalf("original slot = %q, want silently updated to 2", id)
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotPinned}); id != "2" {
		t.Fatalf("pinned slot = %q, want 2", id)
	}
}

func TestPinnedCleared(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setPinned("alice", "9")
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if n := env.notif.count(); n != 0 {
		t.Fatalf("priming sent %d notifications", n)
	}

	env.src.setPinned("alice", "")
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if n := env.notif.count(); n != 1 {
		t.Fatalf("sent %d notifications, want 1", n)
	}
	if !strings.Contains(env.notif.last(), "Pinned post removed") {
		t.Fatalf("unexpected message: %q", env.notif.last())
	}
	if id, ok := env.store.Get(state.Key{Account: "alice", Slot: state.SlotPinned}); !ok || id != "" {
		t.Fatalf("pinned slot = %q ok=%v, want cleared", id, ok)
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setTimeline("alice", orig("2"), reply("3"))
	env.src.setPinned("alice", "2")
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if err := env.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulated restart: reload the snapshot into a fresh store and service.
	st2, err := state.Open(state.Config{Driver: "file", Path: env.statePath}, logx.Nop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	notif2 := &fakeNotifier{}
	svc2 := New(env.cfgm, st2, env.src, notif2, logx.Nop())
	svc2.accountPause = 0
	svc2.tick = time.Millisecond

	if err := svc2.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if n := notif2.count(); n != 0 {
		t.Fatalf("restart replayed %d notifications, want 0", n)
	}
}

func TestAccountRemovalCausesFreshPriming(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "alice")
	ctx := context.Background()

	env.src.setTimeline("alice", orig("1"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}

	if err := env.store.DeleteAccount("alice"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	// Re-added later with newer content: primes silently instead of
	// notifying against stale ids.
	env.src.setTimeline("alice", orig("5"))
	if err := env.svc.checkAccount(ctx, "alice"); err != nil {
		t.Fatalf("checkAccount: %v", err)
	}
	if n := env.notif.count(); n != 0 {
		t.Fatalf("re-add sent %d notifications, want 0", n)
	}
	if id, _ := env.store.Get(state.Key{Account: "alice", Slot: state.SlotOriginal}); id != "5" {
		t.Fatalf("original slot = %q, want 5", id)
	}
}

func TestErrorIsolationBetweenAccounts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a", "b", "c")
	ctx := context.Background()

	env.src.setTimeline("a", orig("1"))
	env.src.setTimeline("c", orig("3"))
	env.src.panicOn["b"] = true

	errs := env.svc.cycle(ctx, 0)

	// b failed but a and c were still processed.
	if _, ok := env.store.Get(state.Key{Account: "a", Slot: state.SlotOriginal}); !ok {
		t.Fatal("account a not processed")
	}
	if _, ok := env.store.Get(state.Key{Account: "c", Slot: state.SlotOriginal}); !ok {
		t.Fatal("account c not processed")
	}
	// c succeeded last, so the consecutive counter reset.
	if errs != 0 {
		t.Fatalf("cycle errs = %d, want 0", errs)
	}
}

func TestTimelineFetchFailureIsSkipNotError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a")
	ctx := context.Background()

	env.src.timelineErr["a"] = fmt.Errorf("connect timeout")
	if err := env.svc.checkAccount(ctx, "a"); err != nil {
		t.Fatalf("fetch failure must be a skip, got error: %v", err)
	}
	if env.store.Count() != 1 { // only the primed pinned slot
		t.Fatalf("Count = %d, want 1", env.store.Count())
	}
	if n := env.notif.count(); n != 0 {
		t.Fatalf("sent %d notifications, want 0", n)
	}
}

func TestConsecutiveErrorsCounted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a", "b", "c")
	for _, h := range []string{"a", "b", "c"} {
		env.src.panicOn[h] = true
	}
	if errs := env.svc.cycle(context.Background(), 0); errs != 3 {
		t.Fatalf("cycle errs = %d, want 3", errs)
	}
}

func TestConsecutiveErrorsAccumulateAcrossCycles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a")
	ctx := context.Background()
	env.src.panicOn["a"] = true

	errs := env.svc.cycle(ctx, 0)
	if errs != 1 {
		t.Fatalf("first cycle errs = %d, want 1", errs)
	}
	// A single failing account keeps counting up cycle after cycle.
	errs = env.svc.cycle(ctx, errs)
	if errs != 2 {
		t.Fatalf("second cycle errs = %d, want 2", errs)
	}
	errs = env.svc.cycle(ctx, errs)
	if errs != 3 {
		t.Fatalf("third cycle errs = %d, want 3", errs)
	}

	// Only a per-account success clears the count.
	env.src.mu.Lock()
	delete(env.src.panicOn, "a")
	env.src.mu.Unlock()
	env.src.setTimeline("a", orig("1"))
	if errs = env.svc.cycle(ctx, errs); errs != 0 {
		t.Fatalf("errs after recovery = %d, want 0", errs)
	}
}

func TestCooldownReachableWithSingleAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a")
	env.src.panicOn["a"] = true
	env.svc.errThreshold = 2
	env.svc.cooldown = time.Hour
	// Interval stays at the configured 1s, so without the cooldown the
	// worker would keep sweeping roughly once a second.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.Start(ctx)

	// Two cycles push the carried count to the threshold.
	waitUntil(t, 5*time.Second, func() bool {
		return env.src.profileCalls.Load() >= 2
	})
	// Long enough for two more sweeps if the loop were still on the
	// interval path.
	time.Sleep(2500 * time.Millisecond)
	if n := env.src.profileCalls.Load(); n != 2 {
		t.Fatalf("worker swept %d times, want 2 (frozen in cooldown)", n)
	}

	env.svc.Stop()
	waitUntil(t, 2*time.Second, func() bool { return !env.svc.WorkerAlive() })
}

func TestCooldownAfterErrorThreshold(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a", "b")
	env.src.panicOn["a"] = true
	env.src.panicOn["b"] = true
	env.svc.errThreshold = 2
	env.svc.cooldown = 10 * time.Millisecond
	// The regular interval is far too long to explain a second cycle; only
	// the cooldown path can reach it within the deadline.
	_ = env.cfgm.Update(func(c *config.Config) { c.PollIntervalSeconds = 3600 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.Start(ctx)

	waitUntil(t, 2*time.Second, func() bool {
		return env.src.profileCalls.Load() >= 4 // at least two full cycles
	})

	env.svc.Stop()
	waitUntil(t, 2*time.Second, func() bool { return !env.svc.WorkerAlive() })
}

func TestStopObservedWithinTick(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_ = env.cfgm.Update(func(c *config.Config) { c.PollIntervalSeconds = 3600 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.Start(ctx)
	waitUntil(t, 2*time.Second, func() bool { return env.svc.WorkerAlive() })

	// The worker is deep inside an hour-long interval wait; the stop flag
	// still takes effect within tick granularity.
	env.svc.Stop()
	waitUntil(t, 2*time.Second, func() bool { return !env.svc.WorkerAlive() })
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "a")
	env.src.setTimeline("a", orig("1"))
	_ = env.cfgm.Update(func(c *config.Config) { c.PollIntervalSeconds = 3600 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.Start(ctx)
	env.svc.Start(ctx) // second start must not spawn a second worker

	waitUntil(t, 2*time.Second, func() bool { return env.src.profileCalls.Load() >= 1 })
	// Give a duplicate worker a chance to show itself.
	time.Sleep(50 * time.Millisecond)
	if n := env.src.profileCalls.Load(); n != 1 {
		t.Fatalf("profile fetched %d times, want 1 (single worker, single cycle)", n)
	}

	if err := env.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if env.svc.WorkerAlive() {
		t.Fatal("worker still alive after Shutdown")
	}
}
