package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/featuremap"
	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

func feats(n int) []schema.Features {
	out := make([]schema.Features, n)
	for i := range out {
		out[i] = schema.Features{TsMS: 1, Junction: uint16(i)}
	}
	return out
}

func junctionsOf(fs []schema.Features) []uint16 {
	out := make([]uint16, len(fs))
	for i, f := range fs {
		out[i] = f.Junction
	}
	return out
}

func TestThinKeepsEveryStrideth(t *testing.T) {
	in := feats(7)
	cases := []struct {
		stride int
		want   []uint16
	}{
		{1, []uint16{0, 1, 2, 3, 4, 5, 6}},
		{2, []uint16{0, 2, 4, 6}},
		{4, []uint16{0, 4}},
		{8, []uint16{0}},
	}
	for _, c := range cases {
		got := thin(in, c.stride)
		require.Len(t, got, (len(in)+c.stride-1)/c.stride, "stride %d", c.stride)
		assert.Equal(t, c.want, junctionsOf(got), "stride %d", c.stride)
	}
}

// The multiset union of the slices must equal the thinned list exactly once,
// contiguous and in order.
func TestPartitionCoversExactlyOnce(t *testing.T) {
	for _, n := range []int{0, 1, 4, 7, 12} {
		for _, p := range []int{1, 2, 3, 4} {
			slices := partition(feats(n), p)
			require.Len(t, slices, p)
			union := make([]uint16, 0, n)
			for _, s := range slices {
				union = append(union, junctionsOf(s)...)
			}
			assert.Equal(t, junctionsOf(feats(n)), union, "n=%d p=%d", n, p)
		}
	}
}

func TestPartitionRemainderGoesToLastSlice(t *testing.T) {
	slices := partition(feats(7), 3) // per=2, last absorbs 3
	assert.Len(t, slices[0], 2)
	assert.Len(t, slices[1], 2)
	assert.Len(t, slices[2], 3)
}

func TestPartitionFewerItemsThanSlices(t *testing.T) {
	slices := partition(feats(2), 4)
	assert.Len(t, slices[0], 1)
	assert.Len(t, slices[1], 1)
	assert.Empty(t, slices[2])
	assert.Empty(t, slices[3])
}

// wiring for RunOnce tests: in-process pipes on every port of the role.
type rig struct {
	agg       *Aggregator
	samplesTx *transport.Link
	featRx    []*transport.FrameInbox
	bpTx      []*transport.Link
}

func newRig(t *testing.T, junctions, lanes, p, bpSources int) *rig {
	t.Helper()
	sTx, sRx := transport.Pipe(5, 4, ids.TagFeat, schema.SensorSampleSize)
	samplesIn := transport.NewFrameInbox(sRx)

	featOut := make([]*transport.Link, p)
	featRx := make([]*transport.FrameInbox, p)
	for i := 0; i < p; i++ {
		tx, rx := transport.Pipe(4, 1+i, ids.TagFeat, schema.FeaturesSize)
		featOut[i] = tx
		featRx[i] = transport.NewFrameInbox(rx)
	}

	bpIn := make([]*transport.LevelInbox, bpSources)
	bpTx := make([]*transport.Link, bpSources)
	for i := 0; i < bpSources; i++ {
		tx, rx := transport.Pipe(0, 4, ids.TagBP, 0)
		bpTx[i] = tx
		bpIn[i] = transport.NewLevelInbox(rx)
	}

	mapper := featuremap.New(junctions, lanes)
	return &rig{
		agg:       New(samplesIn, featOut, bpIn, mapper),
		samplesTx: sTx,
		featRx:    featRx,
		bpTx:      bpTx,
	}
}

func (r *rig) sendSamples(t *testing.T, tick uint32, junctions, lanes int) {
	t.Helper()
	go func() {
		samples := make([]schema.SensorSample, 0, junctions*lanes)
		for j := 0; j < junctions; j++ {
			for l := 0; l < lanes; l++ {
				samples = append(samples, schema.SensorSample{TsMS: tick * 1000, Junction: uint16(j), Lane: uint16(l), QLen: 5})
			}
		}
		payload := make([]byte, len(samples)*schema.SensorSampleSize)
		for i, s := range samples {
			s.Marshal(payload[i*schema.SensorSampleSize:])
		}
		_ = r.samplesTx.SendFrame(wire.TickFrame{TickID: tick, Count: int32(len(samples)), Payload: payload})
	}()
}

func (r *rig) recvSlice(t *testing.T, i int) wire.TickFrame {
	t.Helper()
	f, err := r.featRx[i].Recv()
	require.NoError(t, err, "slice %d", i)
	return f
}

func TestRunOnceScattersAllJunctions(t *testing.T) {
	r := newRig(t, 4, 1, 2, 0)
	r.sendSamples(t, 3, 4, 1)

	done := make(chan error, 1)
	var tick uint32
	var stride int
	go func() {
		var err error
		tick, stride, _, err = r.agg.RunOnce()
		done <- err
	}()

	union := make([]uint16, 0, 4)
	for i := 0; i < 2; i++ {
		f := r.recvSlice(t, i)
		assert.Equal(t, uint32(3), f.TickID)
		assert.Equal(t, int32(2), f.Count)
		for k := 0; k < int(f.Count); k++ {
			union = append(union, schema.UnmarshalFeatures(f.Payload[k*schema.FeaturesSize:]).Junction)
		}
	}
	require.NoError(t, <-done)
	assert.Equal(t, uint32(3), tick)
	assert.Equal(t, 1, stride)
	assert.Equal(t, []uint16{0, 1, 2, 3}, union)
}

// Two levels drained in the same tick fold to max: stride 1<<max(1,2)=4.
func TestRunOnceFoldsBackPressureToMax(t *testing.T) {
	r := newRig(t, 4, 1, 4, 2)
	require.NoError(t, r.bpTx[0].SendLevel(1))
	require.NoError(t, r.bpTx[1].SendLevel(2))
	time.Sleep(50 * time.Millisecond) // let the inbox readers buffer both levels

	r.sendSamples(t, 0, 4, 1)

	done := make(chan error, 1)
	var stride int
	var level backpressure.Level
	go func() {
		var err error
		_, stride, level, err = r.agg.RunOnce()
		done <- err
	}()

	// ceil(4/4)=1 thinned feature; with P=4, slice 0 carries it and the rest
	// are empty frames, still one frame per predictor.
	counts := make([]int32, 4)
	for i := 0; i < 4; i++ {
		counts[i] = r.recvSlice(t, i).Count
	}
	require.NoError(t, <-done)
	assert.Equal(t, 4, stride)
	assert.Equal(t, backpressure.LevelMedium, level)
	assert.Equal(t, []int32{1, 0, 0, 0}, counts)
}

// Levels expire at the tick boundary: the next tick reverts to stride 1.
func TestStrideDoesNotPersistAcrossTicks(t *testing.T) {
	r := newRig(t, 4, 1, 2, 1)
	require.NoError(t, r.bpTx[0].SendLevel(3))
	time.Sleep(50 * time.Millisecond)

	r.sendSamples(t, 0, 4, 1)
	done := make(chan error, 1)
	var stride0 int
	go func() {
		var err error
		_, stride0, _, err = r.agg.RunOnce()
		done <- err
	}()
	for i := 0; i < 2; i++ {
		r.recvSlice(t, i)
	}
	require.NoError(t, <-done)
	assert.Equal(t, 8, stride0)

	r.sendSamples(t, 1, 4, 1)
	var stride1 int
	go func() {
		var err error
		_, stride1, _, err = r.agg.RunOnce()
		done <- err
	}()
	total := int32(0)
	for i := 0; i < 2; i++ {
		total += r.recvSlice(t, i).Count
	}
	require.NoError(t, <-done)
	assert.Equal(t, 1, stride1)
	assert.Equal(t, int32(4), total, "full feature set returns once pressure expires")
}
