package capture

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camserver/main/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu       sync.Mutex
	events   []*busEvent
	tornDown int32
	playErr  error
}

func (f *fakePipeline) play() error { return f.playErr }

func (f *fakePipeline) poll(timeout time.Duration) *busEvent {
	f.mu.Lock()
	if len(f.events) > 0 {
		ev := f.events[0]
		f.events = f.events[1:]
		f.mu.Unlock()
		return ev
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return nil
}

func (f *fakePipeline) teardown(time.Duration) {
	atomic.StoreInt32(&f.tornDown, 1)
}

func (f *fakePipeline) inject(ev *busEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

type fakeFactory struct {
	mu        sync.Mutex
	pipelines []*fakePipeline
	failures  int
	onSample  func(AccessUnit)
}

func (f *fakeFactory) build(_ string, onSample func(AccessUnit)) (mediaPipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onSample = onSample
	if f.failures > 0 {
		f.failures--
		return nil, assert.AnError
	}
	p := &fakePipeline{}
	f.pipelines = append(f.pipelines, p)
	return p, nil
}

func (f *fakeFactory) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pipelines)
}

func (f *fakeFactory) current() *fakePipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pipelines) == 0 {
		return nil
	}
	return f.pipelines[len(f.pipelines)-1]
}

func testCameraConfig() config.CameraConfig {
	return config.CameraConfig{
		ID:          "cam_test",
		Name:        "Test",
		Kind:        config.CameraTest,
		Width:       640,
		Height:      480,
		FPS:         30,
		BitrateKbps: 1000,
		Encoder:     config.EncoderSoftware,
	}
}

func TestCameraStartStopIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	cam := newCamera(testCameraConfig(), factory.build)

	require.NoError(t, cam.Start())
	require.NoError(t, cam.Start())
	assert.Equal(t, 1, factory.launches())
	assert.True(t, cam.Running())

	cam.Stop()
	assert.False(t, cam.Running())
	cam.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&factory.current().tornDown))
}

func TestCameraStartSourceError(t *testing.T) {
	factory := &fakeFactory{}
	cam := newCamera(testCameraConfig(), func(desc string, onSample func(AccessUnit)) (mediaPipeline, error) {
		p, _ := factory.build(desc, onSample)
		fp := p.(*fakePipeline)
		fp.playErr = assert.AnError
		return fp, nil
	})

	err := cam.Start()
	require.ErrorIs(t, err, ErrSource)
	assert.False(t, cam.Running())
}

func TestCameraStartConfigError(t *testing.T) {
	cam := newCamera(testCameraConfig(), func(string, func(AccessUnit)) (mediaPipeline, error) {
		return nil, assert.AnError
	})

	err := cam.Start()
	require.ErrorIs(t, err, ErrConfig)
}

func TestCameraFrameAccounting(t *testing.T) {
	factory := &fakeFactory{}
	cam := newCamera(testCameraConfig(), factory.build)
	require.NoError(t, cam.Start())
	defer cam.Stop()

	var got []AccessUnit
	var mu sync.Mutex
	cam.RegisterFrameSink(func(au AccessUnit) {
		mu.Lock()
		got = append(got, au)
		mu.Unlock()
	})

	before := cam.SecondsSinceLastFrame()
	factory.onSample(AccessUnit{Data: []byte{0, 0, 0, 1}, Keyframe: true})
	factory.onSample(AccessUnit{Data: []byte{0, 0, 0, 1}, Keyframe: false})

	assert.EqualValues(t, 2, cam.FrameCount())
	assert.LessOrEqual(t, cam.SecondsSinceLastFrame(), before)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.True(t, got[0].Keyframe)
	assert.False(t, got[1].Keyframe)
}

// An injected ERROR destroys the pipeline, bumps the restart counter and a
// fresh pipeline is launched after the one-second backoff.
func TestCameraRestartsOnBusError(t *testing.T) {
	factory := &fakeFactory{}
	cam := newCamera(testCameraConfig(), factory.build)
	require.NoError(t, cam.Start())
	defer cam.Stop()

	first := factory.current()
	first.inject(&busEvent{kind: busError, text: "network drop"})

	require.Eventually(t, func() bool {
		return factory.launches() == 2 && cam.Running()
	}, 5*time.Second, 50*time.Millisecond)

	assert.EqualValues(t, 1, cam.RestartCount())
	assert.EqualValues(t, 1, atomic.LoadInt32(&first.tornDown))

	factory.current().inject(&busEvent{kind: busEOS})
	require.Eventually(t, func() bool {
		return factory.launches() == 3 && cam.Running()
	}, 5*time.Second, 50*time.Millisecond)
	assert.EqualValues(t, 2, cam.RestartCount())
}

func TestCameraWarningDoesNotRestart(t *testing.T) {
	factory := &fakeFactory{}
	cam := newCamera(testCameraConfig(), factory.build)
	require.NoError(t, cam.Start())
	defer cam.Stop()

	factory.current().inject(&busEvent{kind: busWarning, text: "late buffer"})
	factory.current().inject(&busEvent{kind: busStateChanged, text: "paused -> playing"})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, factory.launches())
	assert.EqualValues(t, 0, cam.RestartCount())
}

// Shutdown during a backoff sleep must be observed within the polling tick,
// not after the full backoff delay.
func TestCameraStopInterruptsBackoff(t *testing.T) {
	factory := &fakeFactory{failures: 100}
	cam := newCamera(testCameraConfig(), factory.build)

	// First launch succeeds, every relaunch fails, keeping the camera in
	// backoff indefinitely.
	factory.failures = 0
	require.NoError(t, cam.Start())
	factory.mu.Lock()
	factory.failures = 1000
	factory.mu.Unlock()

	factory.current().inject(&busEvent{kind: busError, text: "gone"})
	// Let the monitor fail its first relaunch and enter the two-second
	// backoff; at least 1.3 s of that sleep remain when Stop is called.
	time.Sleep(1700 * time.Millisecond)

	begin := time.Now()
	cam.Stop()
	assert.Less(t, time.Since(begin), time.Second)
	assert.False(t, cam.Running())
}

func TestBackoffSequence(t *testing.T) {
	bo := newRestartBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, bo.NextBackOff(), "step %d", i)
	}

	// A successful launch resets the sequence.
	bo.Reset()
	assert.Equal(t, 1*time.Second, bo.NextBackOff())
}

func TestSleepUnlessShutdownInterrupts(t *testing.T) {
	cam := newCamera(testCameraConfig(), (&fakeFactory{}).build)

	go func() {
		time.Sleep(150 * time.Millisecond)
		atomic.StoreInt32(&cam.shutdown, 1)
	}()

	begin := time.Now()
	completed := cam.sleepUnlessShutdown(10 * time.Second)
	assert.False(t, completed)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestCameraNeverProducedFrameReportsGrowingAge(t *testing.T) {
	cam := newCamera(testCameraConfig(), (&fakeFactory{}).build)

	first := cam.SecondsSinceLastFrame()
	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, cam.SecondsSinceLastFrame(), first)
}
