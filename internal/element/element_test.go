package element

import (
	"bytes"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X     float64
	Y     int32
	Label string
	Stamp time.Time
}

type optPoint struct {
	X float64
	Y *int32
}

type choice struct {
	SwitchField uint32
	Number      int32
	Text        string
}

type withArray struct {
	Name    string
	Samples []float64
}

type fakeSource struct {
	mu     sync.Mutex
	dict   *Dictionary
	status ua.StatusCode
	server time.Time
	dataTs time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{dict: NewDictionary(), status: ua.Good, server: time.Unix(1000, 0)}
}

func (s *fakeSource) Name() string { return "item" }
func (s *fakeSource) IncomingTimestamp(sel model.TimestampSource) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel == model.TsData && !s.dataTs.IsZero() {
		return s.dataTs
	}
	return s.server
}
func (s *fakeSource) IncomingStatus() ua.StatusCode { return s.status }
func (s *fakeSource) SetDataTimestamp(ts time.Time) {
	s.mu.Lock()
	s.dataTs = ts
	s.mu.Unlock()
}
func (s *fakeSource) Dictionary() *Dictionary { return s.dict }

type fakeConsumer struct {
	mu      sync.Mutex
	name    string
	signals []model.ProcessReason
}

func (c *fakeConsumer) Name() string { return c.name }
func (c *fakeConsumer) RequestProcessing(reason model.ProcessReason) {
	c.mu.Lock()
	c.signals = append(c.signals, reason)
	c.mu.Unlock()
}

func newTree(t *testing.T, src Source, paths ...string) (*Tree, map[string]*Leaf) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	tree := NewTree(src, logger)
	leaves := make(map[string]*Leaf)
	for _, p := range paths {
		l := NewLeaf(p, src, &fakeConsumer{name: p}, 5, true, model.TsServer)
		require.NoError(t, tree.AddLeaf(l, SplitPath(p)))
		leaves[p] = l
	}
	tree.SetState(model.StatusUp)
	return tree, leaves
}

func TestTreeAddRules(t *testing.T) {
	src := newFakeSource()
	tree := NewTree(src, nil)

	require.NoError(t, tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), nil))
	err := tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), nil)
	assert.True(t, errors.Is(err, ErrPathConflict))
	err = tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"x"})
	assert.True(t, errors.Is(err, ErrPathConflict))

	tree = NewTree(src, nil)
	require.NoError(t, tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"a", "b"}))
	assert.Equal(t, RootName, tree.Root().Name())

	err = tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"a", "b"})
	assert.True(t, errors.Is(err, ErrPathConflict), "duplicate path")
	err = tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"a", "b", "c"})
	assert.True(t, errors.Is(err, ErrPathConflict), "path through a leaf")
	err = tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), nil)
	assert.True(t, errors.Is(err, ErrPathConflict), "second root")

	require.NoError(t, tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"a", "c"}))
	assert.Equal(t, "a", tree.NearestNode([]string{"a", "zzz"}).Name())
	assert.Equal(t, "a", tree.NearestNode([]string{"a", "b"}).Name())
}

func TestScalarRoot(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "")
	leaf := leaves[""]

	tree.SetIncomingData(float64(21.5), model.ReasonIncomingData)
	r, ok := ReadScalar[float64](leaf)
	require.True(t, ok)
	assert.True(t, r.HasValue)
	assert.Equal(t, 21.5, r.Value)
	assert.Equal(t, src.server, r.TimeStamp)
	assert.Equal(t, []model.ProcessReason{model.ReasonIncomingData}, leaf.consumer.(*fakeConsumer).signals)

	_, ok = ReadScalar[float64](leaf)
	assert.False(t, ok)
}

func TestStateGating(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "")
	leaf := leaves[""]

	tree.SetState(model.StatusDown)
	tree.SetIncomingData(int32(1), model.ReasonIncomingData)
	assert.True(t, leaf.Queue().Empty())

	tree.SetState(model.StatusInitialRead)
	tree.SetIncomingData(int32(2), model.ReasonIncomingData)
	assert.True(t, leaf.Queue().Empty())
	tree.SetIncomingData(int32(3), model.ReasonReadComplete)
	assert.Equal(t, 1, leaf.Queue().Len())

	// events are queued regardless of the state
	tree.SetState(model.StatusDown)
	tree.SetIncomingEvent(model.ReasonConnectionLoss, ua.BadSecureChannelClosed)
	assert.Equal(t, 2, leaf.Queue().Len())
}

func TestSplitStructure(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y", "label")

	tree.SetIncomingData(point{X: 1.5, Y: 7, Label: "p1"}, model.ReasonIncomingData)

	x, ok := ReadScalar[float64](leaves["x"])
	require.True(t, ok)
	assert.Equal(t, 1.5, x.Value)

	y, ok := ReadScalar[int64](leaves["y"])
	require.True(t, ok)
	assert.EqualValues(t, 7, y.Value)

	label, ok := ReadString(leaves["label"], 0)
	require.True(t, ok)
	assert.Equal(t, "p1", label.Value)
}

func TestNestedStructure(t *testing.T) {
	type outer struct {
		Pos  point
		Name string
	}
	src := newFakeSource()
	tree, leaves := newTree(t, src, "pos.x", "name")

	tree.SetIncomingData(outer{Pos: point{X: 3}, Name: "o"}, model.ReasonIncomingData)
	x, ok := ReadScalar[float64](leaves["pos.x"])
	require.True(t, ok)
	assert.Equal(t, 3.0, x.Value)
}

func TestUnmatchedMemberFails(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "nope")

	tree.SetIncomingData(point{X: 1}, model.ReasonIncomingData)
	r, ok := ReadScalar[float64](leaves["nope"])
	require.True(t, ok)
	assert.False(t, r.HasValue)
	assert.Equal(t, model.ReasonReadFailure, r.Reason)
}

func TestUnionBranch(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "number", "text")

	tree.SetIncomingData(choice{SwitchField: 2, Text: "hi"}, model.ReasonIncomingData)

	text, ok := ReadString(leaves["text"], 0)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Value)

	num, ok := ReadScalar[int32](leaves["number"])
	require.True(t, ok)
	assert.False(t, num.HasValue)
	assert.Equal(t, model.ReasonReadFailure, num.Reason)
}

func TestOptionalAbsent(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y")

	tree.SetIncomingData(optPoint{X: 1}, model.ReasonIncomingData)
	y, ok := ReadScalar[int32](leaves["y"])
	require.True(t, ok)
	assert.False(t, y.HasValue)
	assert.Equal(t, model.ReasonReadFailure, y.Reason)

	v := int32(4)
	tree.SetIncomingData(optPoint{X: 2, Y: &v}, model.ReasonIncomingData)
	y, ok = ReadScalar[int32](leaves["y"])
	require.True(t, ok)
	assert.True(t, y.HasValue)
	assert.EqualValues(t, 4, y.Value)
}

func TestReassembleOnlyDirtyChildren(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y", "label")
	in := point{X: 1.5, Y: 7, Label: "keep"}
	tree.SetIncomingData(in, model.ReasonIncomingData)

	require.NoError(t, WriteScalar(leaves["y"], 42))

	tree.Lock()
	assert.True(t, tree.IsDirty())
	out, changed, err := tree.OutgoingData()
	dirtyAfter := tree.IsDirty()
	tree.Unlock()
	require.NoError(t, err)

	require.True(t, changed)
	assert.False(t, dirtyAfter)
	p := out.(point)
	assert.EqualValues(t, 42, p.Y)
	assert.Equal(t, 1.5, p.X)
	assert.Equal(t, "keep", p.Label)

	tree.Lock()
	_, changed, err = tree.OutgoingData()
	tree.Unlock()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReassembleUnionSetsDiscriminant(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "number", "text")
	tree.SetIncomingData(choice{SwitchField: 1, Number: 3}, model.ReasonIncomingData)
	tree.SetIncomingData(choice{SwitchField: 2, Text: "hi"}, model.ReasonIncomingData)

	require.NoError(t, WriteScalar(leaves["number"], 9))
	tree.Lock()
	out, changed, err := tree.OutgoingData()
	tree.Unlock()
	require.NoError(t, err)

	require.True(t, changed)
	c := out.(choice)
	assert.EqualValues(t, 1, c.SwitchField)
	assert.EqualValues(t, 9, c.Number)
}

func TestReassembleFreshArrayAndOptional(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "samples", "name")
	orig := []float64{1, 2, 3}
	tree.SetIncomingData(withArray{Name: "a", Samples: orig}, model.ReasonIncomingData)

	require.NoError(t, WriteArray(leaves["samples"], []int{7, 8}))
	tree.Lock()
	out, changed, err := tree.OutgoingData()
	tree.Unlock()
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []float64{7, 8}, out.(withArray).Samples)
	assert.Equal(t, []float64{1, 2, 3}, orig)

	src2 := newFakeSource()
	tree2, leaves2 := newTree(t, src2, "x", "y")
	tree2.SetIncomingData(optPoint{X: 1}, model.ReasonIncomingData)
	// y never had a value: writing it needs a reference type
	assert.True(t, errors.Is(WriteScalar(leaves2["y"], 5), ErrNoValue))
}

func TestWriteConversionFailureKeepsOutgoing(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "")
	leaf := leaves[""]
	tree.SetIncomingData(int8(1), model.ReasonIncomingData)

	require.NoError(t, WriteScalar(leaf, 100))
	err := WriteScalar(leaf, 1000)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	tree.Lock()
	out, changed, err := tree.OutgoingData()
	tree.Unlock()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int8(100), out)
}

func TestTimestampElement(t *testing.T) {
	src := newFakeSource()
	logger, _ := test.NewNullLogger()
	tree := NewTree(src, logger)
	leaf := NewLeaf("", src, nil, 3, true, model.TsData)
	require.NoError(t, tree.AddLeaf(leaf, []string{"x"}))
	tree.SetState(model.StatusUp)
	tree.NearestNode(nil).SetTimestampElement("stamp")

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tree.SetIncomingData(point{X: 1, Stamp: stamp}, model.ReasonIncomingData)

	r, ok := ReadScalar[float64](leaf)
	require.True(t, ok)
	assert.Equal(t, stamp, r.TimeStamp)
}

func TestConnectionLossDropsMapping(t *testing.T) {
	type renamed struct {
		Y int32
		X float64
	}
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y")
	tree.SetIncomingData(point{X: 1, Y: 2}, model.ReasonIncomingData)
	assert.Equal(t, 1, src.dict.Len())

	tree.SetIncomingEvent(model.ReasonConnectionLoss, ua.BadSecureChannelClosed)
	src.dict.Clear()
	assert.Equal(t, 0, src.dict.Len())

	tree.SetIncomingData(renamed{Y: 5, X: 6}, model.ReasonIncomingData)
	for _, name := range []string{"x", "y"} {
		leaves[name].Queue().Clear()
	}
	tree.SetIncomingData(renamed{Y: 8, X: 9}, model.ReasonIncomingData)
	x, ok := ReadScalar[float64](leaves["x"])
	require.True(t, ok)
	assert.Equal(t, 9.0, x.Value)
}

func TestAddLeafAfterMappingRejected(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y")
	tree.SetIncomingData(point{X: 1, Y: 2}, model.ReasonIncomingData)

	label := NewLeaf("", src, &fakeConsumer{name: "label"}, 5, true, model.TsServer)
	err := tree.AddLeaf(label, []string{"label"})
	assert.True(t, errors.Is(err, ErrPathConflict))
	err = tree.AddLeaf(NewLeaf("", src, nil, 1, true, model.TsServer), []string{"nested", "z"})
	assert.True(t, errors.Is(err, ErrPathConflict))
	assert.Len(t, tree.Root().(*Node).Children(), 2)

	assert.NotPanics(t, func() {
		tree.SetIncomingData(point{X: 3, Y: 4, Label: "a"}, model.ReasonIncomingData)
	})
	y, ok := ReadScalar[int32](leaves["y"])
	require.True(t, ok)
	assert.EqualValues(t, 2, y.Value)

	// the mapping is rebuilt after a connection loss, so the node takes
	// new children again
	tree.SetIncomingEvent(model.ReasonConnectionLoss, ua.BadSecureChannelClosed)
	require.NoError(t, tree.AddLeaf(label, []string{"label"}))
	label.SetState(model.StatusUp)
	tree.SetIncomingData(point{X: 5, Y: 6, Label: "b"}, model.ReasonIncomingData)
	l, ok := ReadScalar[string](label)
	require.True(t, ok)
	assert.Equal(t, "b", l.Value)
}

func TestReassembleConversionFailureKeepsDirty(t *testing.T) {
	type narrow struct {
		X float64
		Y int8
	}
	src := newFakeSource()
	tree, leaves := newTree(t, src, "x", "y")
	tree.SetIncomingData(point{X: 1.5, Y: 7}, model.ReasonIncomingData)
	require.NoError(t, WriteScalar(leaves["x"], 2.5))
	require.NoError(t, WriteScalar(leaves["y"], 1000))

	// the server type changed while the writes were pending
	tree.SetIncomingEvent(model.ReasonConnectionLoss, ua.BadSecureChannelClosed)
	tree.SetIncomingData(narrow{X: 1, Y: 2}, model.ReasonIncomingData)

	tree.Lock()
	out, changed, err := tree.OutgoingData()
	xDirty, yDirty := leaves["x"].IsDirty(), leaves["y"].IsDirty()
	tree.Unlock()
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.False(t, changed)
	assert.Equal(t, narrow{X: 1, Y: 2}, out)
	assert.True(t, xDirty)
	assert.True(t, yDirty)

	require.NoError(t, WriteScalar(leaves["y"], 5))
	tree.Lock()
	out, changed, err = tree.OutgoingData()
	dirty := tree.IsDirty()
	tree.Unlock()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, dirty)
	assert.Equal(t, narrow{X: 2.5, Y: 5}, out)
}

func TestReadStringAndArrayBounds(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "")
	leaf := leaves[""]

	tree.SetIncomingData("héllo world", model.ReasonIncomingData)
	s, ok := ReadString(leaf, 2)
	require.True(t, ok)
	assert.Equal(t, "h", s.Value)

	tree.SetIncomingData([]int32{1, 2, 3}, model.ReasonIncomingData)
	dst := []float64{9, 9, 9, 9, 9}
	r, ok := ReadArray(leaf, dst)
	require.True(t, ok)
	assert.Equal(t, 3, r.Value)
	assert.Equal(t, []float64{1, 2, 3, 0, 0}, dst)

	tree.SetIncomingData([]int32{1, 2, 3}, model.ReasonIncomingData)
	short := make([]int16, 2)
	r, _ = ReadArray(leaf, short)
	assert.Equal(t, 2, r.Value)
	assert.Equal(t, []int16{1, 2}, short)
}

func TestReadConversionError(t *testing.T) {
	src := newFakeSource()
	tree, leaves := newTree(t, src, "")
	tree.SetIncomingData(int32(300), model.ReasonIncomingData)

	r, ok := ReadScalar[uint8](leaves[""])
	require.True(t, ok)
	assert.False(t, r.HasValue)
	assert.Equal(t, ua.BadOutOfRange, r.ConvStatus)
	assert.True(t, leaves[""].Queue().Empty())
}

func TestConvert(t *testing.T) {
	_, err := Convert[int8](300)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = Convert[uint16](-1)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = Convert[int32]("abc")
	assert.True(t, errors.Is(err, ErrTypeMismatch))
	_, err = Convert[float32](1e300)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	v, err := Convert[int32]("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	s, err := Convert[string](ua.LocalizedText{Text: "hello", Locale: "en"})
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	lt, err := ConvertLike("bonjour", ua.LocalizedText{})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", lt.(ua.LocalizedText).Text)

	assert.Equal(t, ua.Good, StatusOf(nil))
	assert.Equal(t, ua.BadTypeMismatch, StatusOf(ErrTypeMismatch))
}

func TestDescribe(t *testing.T) {
	d, err := Describe(reflect.TypeOf(choice{}))
	require.NoError(t, err)
	assert.Equal(t, KindUnion, d.Kind)
	assert.Len(t, d.Fields, 2)

	d, err = Describe(reflect.TypeOf(optPoint{}))
	require.NoError(t, err)
	assert.Equal(t, KindOptStruct, d.Kind)
	assert.True(t, d.Fields[1].Optional)

	d, err = Describe(reflect.TypeOf(ua.LocalizedText{}))
	require.NoError(t, err)
	assert.Equal(t, KindLocalizedText, d.Kind)

	type tagged struct {
		Value  float64 `opcua:"EngineeringValue"`
		Hidden int     `opcua:"-"`
		Note   string  `opcua:",optional"`
	}
	d, err = Describe(reflect.TypeOf(tagged{}))
	require.NoError(t, err)
	ix, ok := d.Lookup("engineeringvalue")
	require.True(t, ok)
	assert.Equal(t, 0, ix)
	_, ok = d.Lookup("Hidden")
	assert.False(t, ok)
	assert.Equal(t, KindOptStruct, d.Kind)

	_, err = Describe(reflect.TypeOf(3))
	assert.True(t, errors.Is(err, ErrNotComposite))
}

func TestShow(t *testing.T) {
	src := newFakeSource()
	tree, _ := newTree(t, src, "x", "y")
	tree.SetIncomingData(point{X: 1}, model.ReasonIncomingData)

	var buf bytes.Buffer
	tree.Show(&buf, 1, 0)
	assert.Contains(t, buf.String(), "node=[ROOT]")
	assert.Contains(t, buf.String(), "leaf=x")
}
