package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/ctfinstancer/challenge"
	"github.com/miragespace/ctfinstancer/cooldown"
	"github.com/miragespace/ctfinstancer/db"
	"github.com/miragespace/ctfinstancer/lock"
	"github.com/miragespace/ctfinstancer/provision"
	"github.com/miragespace/ctfinstancer/settings"
	"github.com/miragespace/ctfinstancer/spec"
	"github.com/miragespace/ctfinstancer/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	refs       []string
	outputs    map[string]string
	applyErr   error
	destroyErr error
	applyDelay time.Duration

	// when set, Destroy signals destroying and waits for unblock
	destroying chan struct{}
	unblock    chan struct{}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Initialize(ctx context.Context, workDir, moduleRef string) error {
	f.record("init")
	f.mu.Lock()
	f.refs = append(f.refs, moduleRef)
	f.mu.Unlock()
	return os.WriteFile(filepath.Join(workDir, "main.tf"), []byte("# copied module"), 0o644)
}

func (f *fakeEngine) Apply(ctx context.Context, workDir string) error {
	f.record("apply")
	f.mu.Lock()
	delay, err := f.applyDelay, f.applyErr
	f.mu.Unlock()
	time.Sleep(delay)
	return err
}

func (f *fakeEngine) ReadOutputs(ctx context.Context, workDir string) (map[string]string, error) {
	f.record("output")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.outputs))
	for k, v := range f.outputs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeEngine) Destroy(ctx context.Context, workDir string) error {
	f.record("destroy")
	f.mu.Lock()
	destroying, unblock := f.destroying, f.unblock
	f.mu.Unlock()
	if destroying != nil {
		destroying <- struct{}{}
		<-unblock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyErr
}

func (f *fakeEngine) blockDestroy() (destroying, unblock chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroying = make(chan struct{}, 1)
	f.unblock = make(chan struct{})
	return f.destroying, f.unblock
}

func (f *fakeEngine) setApplyErr(err error) {
	f.mu.Lock()
	f.applyErr = err
	f.mu.Unlock()
}

func (f *fakeEngine) setDestroyErr(err error) {
	f.mu.Lock()
	f.destroyErr = err
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []spec.Event
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) PublishEvent(e *spec.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return nil
}

func (p *recordingPublisher) types() []spec.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]spec.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	instances  *Manager
	challenges *challenge.Manager
	users      *user.Manager
	engine     *fakeEngine
	events     *recordingPublisher
	settings   *settings.StaticProvider
	clock      *testClock
	lm         *LifecycleManager
	root       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	gdb, err := db.New(db.Options{
		Driver: db.DriverSQLite,
		URI:    ":memory:",
		Logger: logger,
	})
	require.NoError(t, err)

	h := &harness{
		engine: &fakeEngine{
			outputs: map[string]string{
				"ip":   "10.0.0.1",
				"port": `"4444"`,
			},
		},
		events:   &recordingPublisher{},
		settings: &settings.StaticProvider{},
		clock:    &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)},
		root:     t.TempDir(),
	}
	h.instances, err = NewManager(logger, gdb)
	require.NoError(t, err)
	h.challenges, err = challenge.NewManager(logger, gdb)
	require.NoError(t, err)
	h.users, err = user.NewManager(logger, gdb)
	require.NoError(t, err)

	gate, err := cooldown.NewGate(cooldown.GateOptions{
		Settings: h.settings,
		Requests: h.instances,
		Logger:   logger,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)

	h.lm, err = NewLifecycleManager(LifecycleOptions{
		Instances:         h.instances,
		Challenges:        h.challenges,
		Users:             h.users,
		Engine:            h.engine,
		Gate:              gate,
		Locker:            lock.NewLocalLocker(),
		Publisher:         h.events,
		Logger:            logger,
		ManifestDirectory: h.root,
		Clock:             h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) challenge(t *testing.T, shared bool) *challenge.Challenge {
	t.Helper()
	chal := &challenge.Challenge{
		Title:             "pwn me",
		Category:          "pwn",
		ManifestPath:      "manifests/pwnme",
		ExpiryTime:        3600,
		Shared:            shared,
		HostFormat:        "conn://$(ip):$(port)",
		LoggingInfoFormat: "$(ip) $(missing)",
	}
	require.NoError(t, h.challenges.Create(context.Background(), chal))
	return chal
}

func (h *harness) user(t *testing.T, name string) *user.User {
	t.Helper()
	u := &user.User{
		AuthID:      "auth|" + name,
		Email:       name + "@example.com",
		DisplayName: name,
	}
	require.NoError(t, h.users.Create(context.Background(), u))
	return u
}

func (h *harness) reload(t *testing.T, id uint) *Instance {
	t.Helper()
	inst, err := h.instances.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func TestNewLifecycleManagerValidation(t *testing.T) {
	_, err := NewLifecycleManager(LifecycleOptions{})
	assert.Error(t, err)
}

func TestAcquireIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	first, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "conn://10.0.0.1:4444", first.Host)
	assert.Equal(t, "10.0.0.1 $(missing)", first.LoggingInfo)
	assert.Equal(t, StateRunning, first.State())
	assert.WithinDuration(t, h.clock.Now().Add(time.Hour), first.Expiry, time.Millisecond)

	second, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Host, second.Host)

	assert.Equal(t, 1, h.engine.count("init"))
	assert.Equal(t, 1, h.engine.count("apply"))
	assert.Equal(t, 1, h.engine.count("output"))
	assert.Equal(t, []string{filepath.Join("..", "..", "manifests", "pwnme")}, h.engine.refs)

	stored := h.reload(t, first.ID)
	assert.Equal(t, "10.0.0.1", stored.Outputs["ip"])
	assert.Len(t, stored.UserInstances, 1)
	assert.DirExists(t, h.lm.DeploymentDir(stored.DeploymentPath))
	assert.Equal(t, []spec.EventType{spec.EventDeployed}, h.events.types())
}

func TestAcquireSeparateUsersOfUnsharedChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	a, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	b, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.DeploymentPath, b.DeploymentPath)
	assert.Equal(t, 2, h.engine.count("apply"))
}

func TestLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	inst, err := h.lm.Lookup(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)

	acquired, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	inst, err = h.lm.Lookup(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, acquired.ID, inst.ID)

	require.NoError(t, h.lm.Release(ctx, acquired.ID, alice.ID))

	inst, err = h.lm.Lookup(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestAcquireNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	_, err := h.lm.Acquire(ctx, chal.ID+100, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.lm.Acquire(ctx, chal.ID, alice.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, h.engine.count("init"))
}

func TestSharedJoinExtendsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	first, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock.Now().Add(time.Hour), first.Expiry, time.Millisecond)

	h.clock.Advance(10 * time.Minute)

	joined, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, joined.ID)
	assert.WithinDuration(t, h.clock.Now().Add(time.Hour), joined.Expiry, time.Millisecond)
	assert.Len(t, joined.UserInstances, 2)
	assert.Len(t, joined.LiveJoins(), 2)

	assert.Equal(t, 1, h.engine.count("apply"))
	assert.Equal(t, []spec.EventType{spec.EventDeployed, spec.EventJoined}, h.events.types())
}

func TestLastLeaverTeardown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	_, err = h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	workDir := h.lm.DeploymentDir(inst.DeploymentPath)

	require.NoError(t, h.lm.Release(ctx, inst.ID, alice.ID))

	stored := h.reload(t, inst.ID)
	assert.False(t, stored.Destroyed)
	assert.Equal(t, StateRunning, stored.State())
	require.Len(t, stored.LiveJoins(), 1)
	assert.Equal(t, bob.ID, stored.LiveJoins()[0].UserID)
	assert.Equal(t, 0, h.engine.count("destroy"))
	assert.DirExists(t, workDir)

	// releasing again is a no-op
	require.NoError(t, h.lm.Release(ctx, inst.ID, alice.ID))
	assert.Equal(t, 0, h.engine.count("destroy"))

	require.NoError(t, h.lm.Release(ctx, inst.ID, bob.ID))

	stored = h.reload(t, inst.ID)
	assert.True(t, stored.Destroyed)
	assert.Equal(t, StateDestroyed, stored.State())
	assert.Empty(t, stored.LiveJoins())
	assert.Equal(t, 1, h.engine.count("destroy"))
	assert.NoDirExists(t, workDir)

	assert.Equal(t, []spec.EventType{
		spec.EventDeployed,
		spec.EventJoined,
		spec.EventReleased,
		spec.EventDestroyed,
		spec.EventReleased,
	}, h.events.types())
}

func TestFailedProvisioningLeavesCleanableRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	h.engine.setApplyErr(&provision.Error{
		Phase:    provision.PhaseApply,
		ExitCode: 1,
		Stderr:   "Error: quota exceeded",
	})

	_, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioningFailed)
	var pErr *provision.Error
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "Error: quota exceeded", pErr.Stderr)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))

	stored := h.reload(t, opErr.InstanceID)
	assert.False(t, stored.Destroyed)
	assert.Empty(t, stored.Host)
	assert.Empty(t, stored.LoggingInfo)
	assert.Equal(t, StateRetired, stored.State())
	assert.True(t, stored.Expiry.Equal(h.clock.Now()))
	assert.DirExists(t, h.lm.DeploymentDir(stored.DeploymentPath))
	assert.Equal(t, 0, h.engine.count("output"))

	// the broken deployment is not handed back to its requester
	inst, err := h.lm.Lookup(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)

	// and is due for the next sweep
	expired, err := h.instances.ListExpired(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stored.ID, expired[0].ID)

	require.NoError(t, h.lm.Teardown(ctx, stored.ID))
	assert.True(t, h.reload(t, stored.ID).Destroyed)
	assert.NoDirExists(t, h.lm.DeploymentDir(stored.DeploymentPath))
	assert.Equal(t, []spec.EventType{spec.EventDeployFailed, spec.EventDestroyed}, h.events.types())
}

func TestTeardownFailureKeepsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	h.engine.setDestroyErr(&provision.Error{Phase: provision.PhaseDestroy, ExitCode: 1})
	err = h.lm.Release(ctx, inst.ID, alice.ID)
	assert.ErrorIs(t, err, ErrTeardownFailed)

	stored := h.reload(t, inst.ID)
	assert.False(t, stored.Destroyed)
	assert.Equal(t, StateRetired, stored.State())
	assert.Len(t, stored.LiveJoins(), 1)
	assert.DirExists(t, h.lm.DeploymentDir(stored.DeploymentPath))

	expired, err := h.instances.ListExpired(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	h.engine.setDestroyErr(nil)
	require.NoError(t, h.lm.Release(ctx, inst.ID, alice.ID))
	assert.True(t, h.reload(t, inst.ID).Destroyed)
	assert.Equal(t, 2, h.engine.count("destroy"))
}

func TestTeardownAbsentOrDestroyed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.NoError(t, h.lm.Teardown(ctx, 4242))

	chal := h.challenge(t, false)
	alice := h.user(t, "alice")
	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	require.NoError(t, h.lm.Teardown(ctx, inst.ID))
	require.NoError(t, h.lm.Teardown(ctx, inst.ID))
	assert.Equal(t, 1, h.engine.count("destroy"))
}

func TestTeardownWithoutDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(h.lm.DeploymentDir(inst.DeploymentPath)))

	require.NoError(t, h.lm.Teardown(ctx, inst.ID))
	assert.True(t, h.reload(t, inst.ID).Destroyed)
	assert.Equal(t, 0, h.engine.count("destroy"))
}

func TestAcquireCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings.Settings = settings.Settings{
		EnableSpawningCooldown: true,
		CooldownTimespan:       10,
		CooldownLimit:          1,
	}
	chal := h.challenge(t, false)
	shared := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	start := h.clock.Now()

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	// an existing instance is returned regardless of the cooldown
	again, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)

	require.NoError(t, h.lm.Release(ctx, inst.ID, alice.ID))
	h.clock.Advance(5 * time.Minute)

	_, err = h.lm.Acquire(ctx, chal.ID, alice.ID)
	var active *cooldown.ActiveError
	require.True(t, errors.As(err, &active))
	assert.WithinDuration(t, start.Add(10*time.Minute), active.Until, time.Millisecond)

	// joining a shared instance is a request too
	_, err = h.lm.Acquire(ctx, shared.ID, bob.ID)
	require.NoError(t, err)
	_, err = h.lm.Acquire(ctx, shared.ID, alice.ID)
	require.True(t, errors.As(err, &active))

	h.clock.Advance(6 * time.Minute)
	_, err = h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, h.engine.count("apply"))
}

func TestAcquireFrozen(t *testing.T) {
	h := newHarness(t)
	h.settings.Settings = settings.Settings{FreezeCtf: true}
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	_, err := h.lm.Acquire(context.Background(), chal.ID, alice.ID)
	var active *cooldown.ActiveError
	require.True(t, errors.As(err, &active))
	assert.Equal(t, spec.FrozenUntil, active.Until)
	assert.Equal(t, 0, h.engine.count("init"))
}

func TestConcurrentSharedFirstJoiners(t *testing.T) {
	h := newHarness(t)
	h.engine.applyDelay = 50 * time.Millisecond
	chal := h.challenge(t, true)

	users := make([]uint, 0, 6)
	for i := 0; i < 6; i++ {
		users = append(users, h.user(t, fmt.Sprintf("user%d", i)).ID)
	}

	var wg sync.WaitGroup
	ids := make([]uint, len(users))
	errs := make([]error, len(users))
	for i, uid := range users {
		wg.Add(1)
		go func(i int, uid uint) {
			defer wg.Done()
			inst, err := h.lm.Acquire(context.Background(), chal.ID, uid)
			errs[i] = err
			if inst != nil {
				ids[i] = inst.ID
			}
		}(i, uid)
	}
	wg.Wait()

	for i := range users {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.engine.count("apply"))

	stored := h.reload(t, ids[0])
	assert.Len(t, stored.LiveJoins(), len(users))
	assert.Equal(t, "conn://10.0.0.1:4444", stored.Host)
}

func TestConcurrentRequestsOfSameUser(t *testing.T) {
	h := newHarness(t)
	h.engine.applyDelay = 20 * time.Millisecond
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")

	var wg sync.WaitGroup
	ids := make([]uint, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := h.lm.Acquire(context.Background(), chal.ID, alice.ID)
			if assert.NoError(t, err) {
				ids[i] = inst.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.engine.count("apply"))
}

func TestConcurrentReleaseTearsDownOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	_, err = h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, uid := range []uint{alice.ID, bob.ID} {
		wg.Add(1)
		go func(uid uint) {
			defer wg.Done()
			assert.NoError(t, h.lm.Release(ctx, inst.ID, uid))
		}(uid)
	}
	wg.Wait()

	assert.Equal(t, 1, h.engine.count("destroy"))
	stored := h.reload(t, inst.ID)
	assert.True(t, stored.Destroyed)
	assert.Empty(t, stored.LiveJoins())
}

func TestSharedJoinAfterTeardownDeploysAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	first, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	require.NoError(t, h.lm.Teardown(ctx, first.ID))

	second, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, h.engine.count("apply"))

	// alice's join was kill-processed by the teardown
	inst, err := h.lm.Lookup(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestJoinDuringLastLeaverTeardownDeploysFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	first, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	destroying, unblock := h.engine.blockDestroy()
	released := make(chan error, 1)
	go func() {
		released <- h.lm.Release(ctx, first.ID, alice.ID)
	}()
	<-destroying

	// bob arrives while alice's instance is being destroyed
	joined, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, joined.ID)
	assert.Equal(t, StateRunning, joined.State())

	close(unblock)
	require.NoError(t, <-released)

	assert.True(t, h.reload(t, first.ID).Destroyed)
	assert.Equal(t, 2, h.engine.count("apply"))

	inst, err := h.lm.Lookup(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, joined.ID, inst.ID)
	assert.False(t, inst.Destroyed)
}

func TestTeardownExpiredSkipsExtendedInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	inst, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	expired, err := h.instances.ListExpired(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// a join lands between listing and teardown
	h.clock.Advance(-time.Minute)
	joined, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, joined.ID)
	h.clock.Advance(time.Minute)

	torn, err := h.lm.TeardownExpired(ctx, expired[0].ID)
	require.NoError(t, err)
	assert.False(t, torn)
	assert.Equal(t, 0, h.engine.count("destroy"))
	stored := h.reload(t, inst.ID)
	assert.False(t, stored.Destroyed)
	assert.Equal(t, StateRunning, stored.State())

	h.clock.Advance(time.Hour)
	torn, err = h.lm.TeardownExpired(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, torn)
	assert.True(t, h.reload(t, inst.ID).Destroyed)
}

func TestFailedSharedDeploymentIsNotJoined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, true)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	h.engine.setApplyErr(&provision.Error{Phase: provision.PhaseApply, ExitCode: 1})
	_, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.ErrorIs(t, err, ErrProvisioningFailed)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))

	h.engine.setApplyErr(nil)
	inst, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	assert.NotEqual(t, opErr.InstanceID, inst.ID)
	assert.Equal(t, "conn://10.0.0.1:4444", inst.Host)

	// alice retries and joins the working instance
	again, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)

	failed := h.reload(t, opErr.InstanceID)
	assert.Equal(t, StateRetired, failed.State())
	assert.Len(t, failed.UserInstances, 1)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chal := h.challenge(t, false)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	a, err := h.lm.Acquire(ctx, chal.ID, alice.ID)
	require.NoError(t, err)
	b, err := h.lm.Acquire(ctx, chal.ID, bob.ID)
	require.NoError(t, err)
	require.NoError(t, h.lm.Teardown(ctx, a.ID))

	live, err := h.lm.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b.ID, live[0].ID)

	all, err := h.lm.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)
}
