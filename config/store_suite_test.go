package config

import (
	"context"

	"github.com/stretchr/testify/suite"

	"github.com/xonfour/horizont-sub000/errors"
)

// StoreSuite checks the Store contract. Backends embed it and set newStore.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StoreSuite) module(id string) ComponentRecord {
	return ComponentRecord{ID: id, Kind: KindModule, Type: "test-module", Name: id, Rights: 3}
}

func (s *StoreSuite) TestComponentCRUD() {
	rec := s.module("alpha")
	rec.Settings = map[string]string{"root": "/data"}
	s.Require().NoError(s.store.PutComponent(s.ctx, rec))

	got, err := s.store.Component(s.ctx, "alpha")
	s.Require().NoError(err)
	s.Equal(rec, got)

	rec.Rights = 7
	s.Require().NoError(s.store.PutComponent(s.ctx, rec))
	got, err = s.store.Component(s.ctx, "alpha")
	s.Require().NoError(err)
	s.Equal(7, got.Rights)

	s.Require().NoError(s.store.DeleteComponent(s.ctx, "alpha"))
	_, err = s.store.Component(s.ctx, "alpha")
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrConfigNotFound))
}

func (s *StoreSuite) TestComponentsSorted() {
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		s.Require().NoError(s.store.PutComponent(s.ctx, s.module(id)))
	}

	recs, err := s.store.Components(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(recs, 3)
	s.Equal("alpha", recs[0].ID)
	s.Equal("charlie", recs[2].ID)
}

func (s *StoreSuite) TestConnectionCRUD() {
	a := Endpoint{Module: "a", Port: "in"}
	b := Endpoint{Module: "b", Port: "out"}

	s.Require().NoError(s.store.PutConnection(s.ctx, ConnectionRecord{Consumer: a, Supplier: b, Priority: 5}))
	s.Require().NoError(s.store.PutConnection(s.ctx, ConnectionRecord{Consumer: a, Supplier: b, Priority: 9}))

	conns, err := s.store.Connections(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.Equal(9, conns[0].Priority)

	s.Require().NoError(s.store.DeleteConnection(s.ctx, a, b))
	s.Require().NoError(s.store.DeleteConnection(s.ctx, a, b))

	conns, err = s.store.Connections(s.ctx)
	s.Require().NoError(err)
	s.Empty(conns)
}

func (s *StoreSuite) TestDeleteComponentCascadesConnections() {
	s.Require().NoError(s.store.PutComponent(s.ctx, s.module("a")))
	s.Require().NoError(s.store.PutComponent(s.ctx, s.module("b")))
	s.Require().NoError(s.store.PutComponent(s.ctx, s.module("c")))

	ab := ConnectionRecord{Consumer: Endpoint{"a", "in"}, Supplier: Endpoint{"b", "out"}}
	cb := ConnectionRecord{Consumer: Endpoint{"c", "in"}, Supplier: Endpoint{"b", "out"}}
	s.Require().NoError(s.store.PutConnection(s.ctx, ab))
	s.Require().NoError(s.store.PutConnection(s.ctx, cb))

	s.Require().NoError(s.store.DeleteComponent(s.ctx, "a"))

	conns, err := s.store.Connections(s.ctx)
	s.Require().NoError(err)
	s.Equal([]ConnectionRecord{cb}, conns)
}

func (s *StoreSuite) TestExportImportRoundTrip() {
	s.Require().NoError(s.store.PutComponent(s.ctx, s.module("old")))

	snap := Snapshot{
		Version: SnapshotVersion,
		Components: []ComponentRecord{
			s.module("a"),
			s.module("b"),
			{ID: "ci", Kind: KindControlInterface, Type: "eventlog", Rights: 1},
		},
		Connections: []ConnectionRecord{
			{Consumer: Endpoint{"a", "in"}, Supplier: Endpoint{"b", "out"}, Priority: 2},
		},
	}
	s.Require().NoError(s.store.Import(s.ctx, snap))

	exported, err := s.store.Export(s.ctx)
	s.Require().NoError(err)
	s.Equal(snap, exported)
}

func (s *StoreSuite) TestImportRejectsInvalidSnapshot() {
	s.Require().NoError(s.store.PutComponent(s.ctx, s.module("keep")))

	err := s.store.Import(s.ctx, Snapshot{
		Components: []ComponentRecord{{ID: "x", Kind: "plugin", Type: "t"}},
	})
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))

	// content unchanged
	_, err = s.store.Component(s.ctx, "keep")
	s.NoError(err)
}
