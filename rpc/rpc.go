package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/room"
)

// ServiceName is the name RoomService is registered under.
const ServiceName = "RoomService"

// callTimeout bounds every store call made on behalf of an RPC.
const callTimeout = 10 * time.Second

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
	rpc      *rpc.Server
}

// NewServer listens on addr and registers a RoomService backed by rooms.
func NewServer(addr string, rooms *room.Service) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServerListener(listener, rooms)
}

func NewServerListener(listener net.Listener, rooms *room.Service) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, NewRoomService(rooms)); err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  listener.Addr().String(),
		rpc:      srv,
	}, nil
}

func (s *Server) Addr() string {
	return s.address
}

// Start begins listening for RPC requests and returns once the listener is
// closed.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// RoomService exposes the room state operations to operator tooling.
// Documents travel as JSON so callers need no gob type registrations.
type RoomService struct {
	rooms *room.Service
}

func NewRoomService(rooms *room.Service) *RoomService {
	return &RoomService{rooms: rooms}
}

type ReadArgs struct {
	RoomID   string
	GameKind string
}

type ReplaceArgs struct {
	RoomID   string
	GameKind string
	Document []byte
	// ExpectedVersion is checked only when CheckVersion is set.
	ExpectedVersion uint64
	CheckVersion    bool
}

type ResetArgs struct {
	RoomID   string
	GameKind string
	// Document is optional; empty resets to the game's initial document.
	Document []byte
}

type SnapshotReply struct {
	Exists    bool
	Version   uint64
	Document  []byte
	UpdatedAt time.Time
}

func (r *SnapshotReply) fill(snap *models.Snapshot) error {
	r.Exists = snap.Exists
	r.Version = snap.Version
	r.UpdatedAt = snap.UpdatedAt
	r.Document = nil
	if snap.Document != nil {
		data, err := json.Marshal(snap.Document)
		if err != nil {
			return err
		}
		r.Document = data
	}
	return nil
}

func decodeDocument(data []byte) (models.Document, error) {
	var doc models.Document
	if err := models.DecodeJSON(data, &doc); err != nil {
		return nil, models.ErrInvalidDocument
	}
	return doc, nil
}

func (rs *RoomService) Read(args *ReadArgs, reply *SnapshotReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	snap, err := rs.rooms.Read(ctx, models.RoomKey{RoomID: args.RoomID, GameKind: args.GameKind})
	if err != nil {
		return err
	}
	return reply.fill(snap)
}

func (rs *RoomService) Replace(args *ReplaceArgs, reply *SnapshotReply) error {
	doc, err := decodeDocument(args.Document)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	key := models.RoomKey{RoomID: args.RoomID, GameKind: args.GameKind}
	var snap *models.Snapshot
	if args.CheckVersion {
		snap, err = rs.rooms.ReplaceIfVersion(ctx, key, doc, args.ExpectedVersion)
	} else {
		snap, err = rs.rooms.Replace(ctx, key, doc)
	}
	if err != nil {
		return err
	}
	return reply.fill(snap)
}

func (rs *RoomService) Reset(args *ResetArgs, reply *SnapshotReply) error {
	var initial models.Document
	if len(args.Document) > 0 {
		doc, err := decodeDocument(args.Document)
		if err != nil {
			return err
		}
		initial = doc
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	snap, err := rs.rooms.Reset(ctx, models.RoomKey{RoomID: args.RoomID, GameKind: args.GameKind}, initial)
	if err != nil {
		return err
	}
	return reply.fill(snap)
}
