package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage/codec"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

func fakeFactory(name string, d *fakeDriver) Factory {
	return func(env Env) (Mechanism, bool) {
		m, err := NewKVMechanism(MechanismConfig{Name: name, Driver: d, Logger: env.Logger})
		if err != nil {
			return nil, false
		}
		return m, true
	}
}

func unsupported(Env) (Mechanism, bool) { return nil, false }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", unsupported)
	r.Register("a", unsupported)
	r.Register("a", fakeFactory("a", &fakeDriver{}))

	if got := r.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v", got)
	}

	f, _ := r.lookup("a")
	if _, ok := f(Env{}); !ok {
		t.Error("re-registering did not replace the factory")
	}

	r.Unregister("b")
	if got := r.Names(); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Names() after Unregister = %v", got)
	}
}

func TestMuxer_SkipsUnsupported(t *testing.T) {
	r := NewRegistry()
	r.Register("legacy", unsupported)
	r.Register("one", fakeFactory("one", &fakeDriver{prepare: withLegacyStores}))
	r.Register("two", fakeFactory("two", &fakeDriver{}))

	reg := prometheus.NewRegistry()
	metrics := metric.NewStorage(reg)
	x := NewMuxer(Env{Metrics: metrics}, r)
	ctx := context.Background()

	if err := x.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer x.Destroy(ctx)

	if got := x.Mechanisms(); !slices.Equal(got, []string{"one", "two"}) {
		t.Errorf("Mechanisms() = %v", got)
	}
	if got := cellNames(x.Cells()); !slices.Equal(got, []string{"one:v1", "one:v2", "one:v3", "two:v3"}) {
		t.Errorf("Cells() = %v", got)
	}
	if got := testutil.ToFloat64(metrics.MechanismsActive); got != 2 {
		t.Errorf("mechanisms_active = %v, want 2", got)
	}

	name, cell, ok := x.WritableCell()
	if !ok || name != "one:v3" || cell.HasFixedKeySpace() {
		t.Errorf("WritableCell() = %q, %v", name, ok)
	}

	if c, ok := x.Cell("two:v3"); !ok || c.Name() != "v3" {
		t.Error("Cell(two:v3) not found")
	}
	for _, q := range []string{"two", "three:v3", "two:v9"} {
		if _, ok := x.Cell(q); ok {
			t.Errorf("Cell(%q) found", q)
		}
	}
}

func TestMuxer_PartialFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", fakeFactory("broken", &fakeDriver{openErr: errInjected}))
	r.Register("ok", fakeFactory("ok", &fakeDriver{}))

	x := NewMuxer(Env{}, r)
	ctx := context.Background()

	if err := x.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer x.Destroy(ctx)

	if got := x.Mechanisms(); !slices.Equal(got, []string{"ok"}) {
		t.Errorf("Mechanisms() = %v", got)
	}
}

func TestMuxer_NoMechanism(t *testing.T) {
	ctx := context.Background()

	t.Run("all fail", func(t *testing.T) {
		r := NewRegistry()
		r.Register("a", fakeFactory("a", &fakeDriver{openErr: errInjected}))
		r.Register("b", fakeFactory("b", &fakeDriver{openErr: errInjected}))

		err := NewMuxer(Env{}, r).Init(ctx)
		if !errors.Is(err, domain.ErrNoMechanism) {
			t.Fatalf("error = %v, want ErrNoMechanism", err)
		}
		if se, _ := domain.AsStorageError(err); !se.IsCritical() {
			t.Error("NO_MECHANISM should be critical")
		}
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Error("cause should carry each mechanism failure")
		}
	})

	t.Run("none eligible", func(t *testing.T) {
		r := NewRegistry()
		r.Register("a", unsupported)

		x := NewMuxer(Env{}, r)
		if err := x.Init(ctx); !errors.Is(err, domain.ErrNoMechanism) {
			t.Fatalf("error = %v, want ErrNoMechanism", err)
		}
		if len(x.Cells()) != 0 {
			t.Error("cells without mechanisms")
		}
	})
}

func TestMuxer_EraseAndDestroy(t *testing.T) {
	d := &fakeDriver{}
	r := NewRegistry()
	r.Register("one", fakeFactory("one", d))

	x := NewMuxer(Env{}, r)
	ctx := context.Background()
	if err := x.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := x.Erase(ctx, "missing"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Erase(missing) error = %v", err)
	}
	if err := x.Erase(ctx, "one"); err != nil {
		t.Fatalf("Erase(one) error = %v", err)
	}
	if d.drops != 1 {
		t.Errorf("drops = %d, want 1", d.drops)
	}

	cell, ok := x.Cell("one:v3")
	if !ok {
		t.Fatal("cell missing after erase")
	}

	if err := x.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if len(x.Mechanisms()) != 0 || len(x.Cells()) != 0 {
		t.Error("mechanisms left after Destroy")
	}
	if _, err := cell.GetSegments(ctx, []uint64{1}); !errors.Is(err, domain.ErrCellDestroyed) {
		t.Errorf("cell after Destroy: error = %v", err)
	}
}

func TestEnv(t *testing.T) {
	env := Env{
		DataDir: "/var/lib/offstore",
		Mechanisms: map[string]Settings{
			"bolt":    {Enabled: false},
			"localfs": {Enabled: true, Dir: "/mnt/content"},
		},
	}

	if !env.Enabled("badger", true) || env.Enabled("memory", false) {
		t.Error("defaults not applied to mechanisms without settings")
	}
	if env.Enabled("bolt", true) {
		t.Error("explicit disable ignored")
	}
	if got := env.Dir("localfs"); got != "/mnt/content" {
		t.Errorf("Dir(localfs) = %q", got)
	}
	if got := env.Dir("badger"); got != filepath.Join("/var/lib/offstore", "badger") {
		t.Errorf("Dir(badger) = %q", got)
	}
	if got := (Env{}).Dir("badger"); got != "" {
		t.Errorf("Dir without data dir = %q", got)
	}
}

func TestMuxer_Badger(t *testing.T) {
	c, err := codec.New(codec.Config{Compression: "zstd", Cipher: codec.CipherAuto, Key: make([]byte, 32)})
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	r.Register(BadgerMechanism, newBadgerMechanism)
	r.Register("unsupported", unsupported)

	env := Env{
		DataDir: t.TempDir(),
		Codec:   c,
		Mechanisms: map[string]Settings{
			BadgerMechanism: {Enabled: true, GCInterval: time.Hour},
		},
	}
	x := NewMuxer(env, r)
	ctx := context.Background()

	if err := x.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer x.Destroy(ctx)

	name, cell, ok := x.WritableCell()
	if !ok || name != "badger:v3" {
		t.Fatalf("WritableCell() = %q, %v", name, ok)
	}

	keys, err := cell.AddSegments(ctx, [][]byte{[]byte("one"), {}, []byte("three")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := cell.GetSegments(ctx, keys)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[0]) != "one" || len(got[1]) != 0 || got[1] == nil || string(got[2]) != "three" {
		t.Errorf("GetSegments() = %q", got)
	}

	mkeys, err := cell.AddManifests(ctx, []*domain.Manifest{testManifest("m")})
	if err != nil {
		t.Fatal(err)
	}
	if err := cell.UpdateManifestExpiration(ctx, mkeys[0], 42); err != nil {
		t.Fatal(err)
	}
	all, err := cell.GetAllManifests(ctx)
	if err != nil || len(all) != 1 || all[mkeys[0]].Expiration != 42 {
		t.Errorf("GetAllManifests() = %v, %v", all, err)
	}

	if err := x.Erase(ctx, BadgerMechanism); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	_, cell, _ = x.WritableCell()
	all, err = cell.GetAllManifests(ctx)
	if err != nil || len(all) != 0 {
		t.Errorf("after erase: %v, %v", all, err)
	}
}

func TestNewBadgerMechanism_Eligibility(t *testing.T) {
	if _, ok := newBadgerMechanism(Env{}); ok {
		t.Error("supported without a directory")
	}
	env := Env{
		DataDir:    t.TempDir(),
		Mechanisms: map[string]Settings{BadgerMechanism: {Enabled: false}},
	}
	if _, ok := newBadgerMechanism(env); ok {
		t.Error("supported while disabled")
	}
}
