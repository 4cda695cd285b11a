package lst

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-lstrpc/serialization"
	"github.com/smnsjas/go-lstrpc/wire"
)

// peers holds both ends of one direction of a session.
type peers struct {
	send    *serialization.SendRefs
	recv    *serialization.ReceiveRefs
	sendObj *serialization.Objects
	recvObj *serialization.Objects
}

func newPeers() *peers {
	return &peers{
		send:    serialization.NewSendRefs(),
		recv:    serialization.NewReceiveRefs(),
		sendObj: serialization.NewObjects(),
		recvObj: serialization.NewObjects(),
	}
}

func roundTrip[T any](t *testing.T, p *peers, c serialization.Codec[T], before, after T) (T, []wire.Op) {
	t.Helper()
	sq := serialization.NewSendQueue(p.send, p.sendObj)
	require.NoError(t, serialization.Send(sq, c, before, after))

	var ops []wire.Op
	rq := serialization.NewReceiveQueue(sq.Bytes(), p.recv, p.recvObj)
	rq.SetTrace(func(op wire.Op) { ops = append(ops, op) })
	got, err := serialization.Receive(rq, c, before)
	require.NoError(t, err)
	require.NoError(t, rq.Finish())
	return got, ops
}

func TestMarkersRoundTrip(t *testing.T) {
	markers := NewMarkers(
		&SearchResult{ID: uuid.New(), Description: "uses latest"},
		&BuildTool{ID: uuid.New(), Type: "docker", Version: "24.0"},
		&Dependencies{ID: uuid.New(), Resolved: []*Dependency{
			{Name: "alpine", Version: "3.19", Scope: "build"},
			{Name: "golang", Version: "1.22", Scope: "stage"},
		}},
		&NamedStyles{ID: uuid.New(), Name: "detected", Styles: []Style{
			&TabsAndIndents{TabSize: 4, IndentSize: 4},
			&LineEndings{Style: LineEndingCRLF},
		}},
	)

	got, _ := roundTrip(t, newPeers(), MarkersCodec, nil, markers)
	if diff := cmp.Diff(markers, got); diff != "" {
		t.Errorf("markers mismatch (-want +got):\n%s", diff)
	}
}

func TestDependenciesAreSentOnce(t *testing.T) {
	p := newPeers()
	deps := func() *Dependencies {
		return &Dependencies{ID: uuid.New(), Resolved: []*Dependency{
			{Name: "alpine", Version: "3.19", Scope: "stage"},
			{Name: "alpine", Version: "3.19", Scope: "stage"},
		}}
	}
	marker := codecOf(MarkerCodec)

	first, _ := roundTrip(t, p, marker, nil, Marker(deps()))
	require.Equal(t, serialization.RefStats{Hits: 1, Misses: 1}, p.send.Stats(NamespaceDependency))

	// A different file with the same dependency only carries its id.
	second, ops := roundTrip(t, p, marker, nil, Marker(deps()))
	require.Equal(t, serialization.RefStats{Hits: 3, Misses: 1}, p.send.Stats(NamespaceDependency))
	require.Equal(t, serialization.RefStats{Hits: 3, Misses: 1}, p.recv.Stats(NamespaceDependency))
	for _, op := range ops {
		require.NotEqual(t, "alpine", op.Value.Str)
	}

	d1 := first.(*Dependencies).Resolved
	d2 := second.(*Dependencies).Resolved
	require.Same(t, d1[0], d2[1])
}

func TestStylesAreSharedByKey(t *testing.T) {
	p := newPeers()
	styles := func() Marker {
		return &NamedStyles{ID: uuid.New(), Name: "detected", Styles: []Style{
			&TabsAndIndents{UseTabCharacter: true, TabSize: 8, IndentSize: 8},
		}}
	}
	roundTrip(t, p, codecOf(MarkerCodec), nil, styles())
	roundTrip(t, p, codecOf(MarkerCodec), nil, styles())
	require.Equal(t, serialization.RefStats{Hits: 1, Misses: 1}, p.send.Stats(NamespaceStyle))
}

func TestParseErrorRoundTrip(t *testing.T) {
	sf := NewSourceFileCodec()
	pe := NewParseError("Dockerfile", "FROM\n", "DockerfileParser", errors.New("missing image"))

	got, ops := roundTrip(t, newPeers(), codecOf(sf), nil, SourceFile(pe))
	require.Equal(t, wire.StateAdd, ops[0].State)
	require.Equal(t, "ParseError", ops[0].Type)
	if diff := cmp.Diff(SourceFile(pe), got); diff != "" {
		t.Errorf("parse error mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "FROM\n", PrintParseError(got.(*ParseError)))
	require.Equal(t, "missing image", got.(*ParseError).Cause())
}

func TestMarkersWithDoesNotMutate(t *testing.T) {
	m := NewMarkers(&SearchResult{ID: uuid.New()})
	m2 := m.With(&BuildTool{ID: uuid.New(), Type: "docker"})

	require.Len(t, m.Entries, 1)
	require.Len(t, m2.Entries, 2)
	require.Equal(t, m.ID, m2.ID)

	bt, ok := Find[*BuildTool](m2)
	require.True(t, ok)
	require.Equal(t, "docker", bt.Type)

	_, ok = Find[*BuildTool](m)
	require.False(t, ok)
}

func TestChangedMarkerSendsOnlyDifference(t *testing.T) {
	p := newPeers()
	id := uuid.New()
	before := NewMarkers(&SearchResult{ID: id, Description: "a"})
	_, _ = roundTrip(t, p, MarkersCodec, nil, before)

	after := &Markers{ID: before.ID, Entries: []Marker{&SearchResult{ID: id, Description: "b"}}}
	got, ops := roundTrip(t, p, MarkersCodec, before, after)
	if diff := cmp.Diff(after, got); diff != "" {
		t.Errorf("markers mismatch (-want +got):\n%s", diff)
	}
	// markers, skip(id), list, marker, skip(id), description
	require.Len(t, ops, 6)
	require.Equal(t, wire.StateNoChange, ops[1].State)
	require.Equal(t, "b", ops[5].Value.Str)
}

func TestFindStyle(t *testing.T) {
	m := NewMarkers(&NamedStyles{ID: uuid.New(), Styles: []Style{&LineEndings{Style: LineEndingLF}}})
	le, ok := FindStyle[*LineEndings](m)
	require.True(t, ok)
	require.Equal(t, LineEndingLF, le.Style)

	_, ok = FindStyle[*TabsAndIndents](m)
	require.False(t, ok)
}

func TestDependencyKey(t *testing.T) {
	d := &Dependency{Name: "golang", Version: "1.22-alpine", Scope: "builder"}
	require.Equal(t, "golang@1.22-alpine:builder", d.Key())
}

func TestDependencyKeyIsInjective(t *testing.T) {
	tests := []struct {
		name string
		a, b Dependency
	}{
		{
			name: "colon moves from version to scope",
			a:    Dependency{Name: "img", Version: "sha256:abc", Scope: "x"},
			b:    Dependency{Name: "img", Version: "sha256", Scope: "abc:x"},
		},
		{
			name: "at moves from name to version",
			a:    Dependency{Name: "a@b", Version: "c"},
			b:    Dependency{Name: "a", Version: "b@c"},
		},
		{
			name: "escaped text in a field",
			a:    Dependency{Name: "a%40b", Version: "1"},
			b:    Dependency{Name: "a@b", Version: "1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, tt.a.Key(), tt.b.Key())
		})
	}

	d := &Dependency{Name: "localhost:5000/app", Version: "sha256:abc", Scope: "build"}
	require.Equal(t, "localhost%3A5000/app@sha256%3Aabc:build", d.Key())
}

func codecOf[T any](u *serialization.Union[T]) serialization.Codec[T] { return u }
