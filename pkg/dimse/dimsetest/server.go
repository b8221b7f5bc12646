// Package dimsetest provides an in-process DICOM SCP for tests.
package dimsetest

import (
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/pkg/dimse"
)

// FindFunc answers a C-FIND with the matching identifiers and the final
// status (dimse.StatusSuccess or a failure status).
type FindFunc func(model string, query *dimse.Dataset) ([]*dimse.Dataset, uint16)

// Query records a C-FIND received by the server
type Query struct {
	Model      string
	Identifier *dimse.Dataset
}

// Server is a minimal SCP accepting Verification and C-FIND
type Server struct {
	// AETitle the server answers to. Other called AE titles are rejected.
	AETitle string
	// Find answers C-FIND requests. Nil answers every query with no match.
	Find FindFunc
	// TransferSyntax preferred when the requester proposes it
	TransferSyntax string
	// Delay is applied before each response
	Delay time.Duration

	ln      net.Listener
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	queries []Query
	assocs  int
}

// NewServer starts a server on a loopback port and stops it when the test ends
func NewServer(t testing.TB, aeTitle string, find FindFunc) *Server {
	t.Helper()
	s := &Server{AETitle: aeTitle, Find: find, TransferSyntax: dimse.ExplicitVRLittleEndian}
	if err := s.Start(); err != nil {
		t.Fatalf("dimsetest: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Start listens on a loopback port
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.ln = ln
	s.conns = make(map[net.Conn]struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	return nil
}

// Host returns the listening host
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and drops open associations
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Queries returns the C-FIND identifiers received so far
func (s *Server) Queries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// Associations returns the number of associations accepted so far
func (s *Server) Associations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assocs
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	c := dimse.NewConn(conn, 0)
	pduType, payload, err := c.ReadPDU()
	if err != nil || pduType != dimse.PDUAssociateRQ {
		return
	}
	req, err := dimse.DecodeAssociateRQ(payload)
	if err != nil {
		_ = c.WritePDU(dimse.PDUAbort, make([]byte, 4))
		return
	}
	if req.CalledAET != s.AETitle {
		// rejected-permanent, service-user, called AE title not recognized
		_ = c.WritePDU(dimse.PDUAssociateRJ, dimse.EncodeAssociateRJ(1, 1, 7))
		return
	}

	accepted := make(map[byte]dimse.PresentationContext)
	var answer []dimse.PresentationContext
	for _, pc := range req.Contexts {
		res := dimse.PresentationContext{ID: pc.ID, Result: dimse.ResultAbstractNotSupported, TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian}}
		switch pc.AbstractSyntax {
		case dimse.VerificationSOPClass, dimse.PatientRootFind, dimse.StudyRootFind:
			if ts := s.pickTransferSyntax(pc.TransferSyntaxes); ts != "" {
				res.Result = dimse.ResultAcceptance
				res.TransferSyntaxes = []string{ts}
				res.AbstractSyntax = pc.AbstractSyntax
				accepted[pc.ID] = res
			} else {
				res.Result = dimse.ResultTransferNotSupported
			}
		}
		answer = append(answer, res)
	}
	if err := c.WritePDU(dimse.PDUAssociateAC, dimse.EncodeAssociateAC(req, answer, 16384)); err != nil {
		return
	}
	s.mu.Lock()
	s.assocs++
	s.mu.Unlock()

	c = dimse.NewConn(conn, req.MaxPDULength)
	for {
		msg, err := c.Receive()
		if errors.Is(err, dimse.ErrPeerReleased) {
			_ = c.WritePDU(dimse.PDUReleaseRP, make([]byte, 4))
			return
		}
		if err != nil {
			return
		}
		pc, ok := accepted[msg.ContextID]
		if !ok {
			_ = c.WritePDU(dimse.PDUAbort, make([]byte, 4))
			return
		}
		if s.Delay > 0 {
			time.Sleep(s.Delay)
		}

		switch msg.Command.Field {
		case dimse.CEchoRQ:
			err = c.Send(&dimse.Message{ContextID: pc.ID, Command: &dimse.Command{
				Field:                     dimse.CEchoRSP,
				AffectedSOPClassUID:       dimse.VerificationSOPClass,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				DataSetType:               dimse.NoDataSet,
				Status:                    dimse.StatusSuccess,
			}})
		case dimse.CFindRQ:
			err = s.answerFind(c, pc, msg)
		default:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) answerFind(c *dimse.Conn, pc dimse.PresentationContext, msg *dimse.Message) error {
	ts := pc.TransferSyntaxes[0]
	query, err := dimse.DecodeDataset(msg.Data, ts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.queries = append(s.queries, Query{Model: pc.AbstractSyntax, Identifier: query})
	s.mu.Unlock()

	var matches []*dimse.Dataset
	status := dimse.StatusSuccess
	if s.Find != nil {
		matches, status = s.Find(pc.AbstractSyntax, query)
	}

	rsp := func(status, dataSetType uint16, data []byte) error {
		return c.Send(&dimse.Message{ContextID: pc.ID, Data: data, Command: &dimse.Command{
			Field:                     dimse.CFindRSP,
			AffectedSOPClassUID:       pc.AbstractSyntax,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			DataSetType:               dataSetType,
			Status:                    status,
		}})
	}
	if status == dimse.StatusSuccess {
		for _, m := range matches {
			data, err := m.Encode(ts)
			if err != nil {
				return err
			}
			if err := rsp(dimse.StatusPending, dimse.DataSetPresent, data); err != nil {
				return err
			}
		}
	}
	return rsp(status, dimse.NoDataSet, nil)
}

func (s *Server) pickTransferSyntax(proposed []string) string {
	if slices.Contains(proposed, s.TransferSyntax) {
		return s.TransferSyntax
	}
	for _, ts := range proposed {
		if ts == dimse.ExplicitVRLittleEndian || ts == dimse.ImplicitVRLittleEndian {
			return ts
		}
	}
	return ""
}
