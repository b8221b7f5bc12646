package dimse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Association represents a DICOM association with a remote application entity
type Association struct {
	config      AssociationConfig
	conn        net.Conn
	dimse       *Conn
	contexts    map[string]PresentationContext
	mu          sync.Mutex
	isConnected bool
	lastUsed    time.Time
	messageID   uint16
}

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32
	// TLS enables DICOM over TLS when set
	TLS *tls.Config
	// AbstractSyntaxes to propose. Defaults to Verification plus the
	// Patient Root and Study Root C-FIND models.
	AbstractSyntaxes []string
}

// NewAssociation creates a new DICOM association
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = defaultMaxPDULength
	}
	if len(config.AbstractSyntaxes) == 0 {
		config.AbstractSyntaxes = []string{VerificationSOPClass, PatientRootFind, StudyRootFind}
	}

	return &Association{config: config}
}

// Connect establishes the association: transport connection then
// A-ASSOCIATE-RQ/AC negotiation.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked(ctx)
}

func (a *Association) connectLocked(ctx context.Context) error {
	if a.isConnected {
		return nil
	}

	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	dialer := &net.Dialer{Timeout: a.config.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if a.config.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: a.config.TLS}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	a.conn = conn
	a.dimse = NewConn(conn, 0)
	if err := a.withDeadline(ctx, a.negotiate); err != nil {
		return fmt.Errorf("association with %s@%s failed: %w", a.config.CalledAET, addr, err)
	}

	a.isConnected = true
	a.lastUsed = time.Now()
	return nil
}

func (a *Association) negotiate() error {
	req := AssociateRequest{
		CalledAET:    a.config.CalledAET,
		CallingAET:   a.config.CallingAET,
		MaxPDULength: a.config.MaxPDULength,
	}
	proposed := make(map[byte]string, len(a.config.AbstractSyntaxes))
	for i, as := range a.config.AbstractSyntaxes {
		id := byte(2*i + 1) // presentation context IDs are odd
		proposed[id] = as
		req.Contexts = append(req.Contexts, PresentationContext{
			ID:               id,
			AbstractSyntax:   as,
			TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
		})
	}
	if err := a.dimse.WritePDU(PDUAssociateRQ, EncodeAssociateRQ(req)); err != nil {
		return err
	}

	pduType, payload, err := a.dimse.ReadPDU()
	if err != nil {
		return err
	}
	switch pduType {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		if len(payload) < 4 {
			return &RejectError{}
		}
		return &RejectError{Result: payload[1], Source: payload[2], Reason: payload[3]}
	case PDUAbort:
		if len(payload) < 4 {
			return &AbortError{}
		}
		return &AbortError{Source: payload[2], Reason: payload[3]}
	default:
		return protocolErrorf("unexpected PDU type 0x%02x during negotiation", pduType)
	}

	ac, err := DecodeAssociateAC(payload)
	if err != nil {
		return err
	}
	a.contexts = make(map[string]PresentationContext)
	for _, pc := range ac.Contexts {
		as, ok := proposed[pc.ID]
		if !ok || pc.Result != ResultAcceptance || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		if _, err := parseTransferSyntax(pc.TransferSyntaxes[0]); err != nil {
			continue
		}
		pc.AbstractSyntax = as
		a.contexts[as] = pc
	}
	if len(a.contexts) == 0 {
		return ErrNoPresentationContext
	}
	a.dimse = NewConn(a.conn, ac.MaxPDULength)
	return nil
}

// Close releases the association (A-RELEASE-RQ/RP) and closes the transport
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return nil
	}

	err := a.withDeadline(context.Background(), func() error {
		if err := a.dimse.WritePDU(PDUReleaseRQ, make([]byte, 4)); err != nil {
			return err
		}
		for {
			pduType, _, err := a.dimse.ReadPDU()
			if err != nil {
				return err
			}
			if pduType == PDUReleaseRP {
				return nil
			}
		}
	})
	a.teardown()
	if err != nil {
		log.Debug().Err(err).Str("called_aet", a.config.CalledAET).Msg("Association release failed")
		return fmt.Errorf("release of association with %s failed: %w", a.config.CalledAET, err)
	}
	return nil
}

// Abort sends A-ABORT and drops the transport
func (a *Association) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = a.dimse.WritePDU(PDUAbort, make([]byte, 4))
	a.teardown()
}

// IsConnected checks if the association is still active
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// UpdateLastUsed updates the last used timestamp
func (a *Association) UpdateLastUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsed = time.Now()
}

// GetLastUsed returns the last used timestamp
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// Accepts reports whether the peer accepted the abstract syntax
func (a *Association) Accepts(abstractSyntax string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.contexts[abstractSyntax]
	return ok
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}

// withDeadline runs fn with the transport deadline bound to ctx and the
// configured timeout. Cancelling ctx unblocks fn. Any failure other than a
// DIMSE status leaves the association unusable, so it is torn down.
func (a *Association) withDeadline(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(a.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.conn.SetDeadline(deadline); err != nil {
		a.teardown()
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = a.conn.SetDeadline(time.Now())
	})

	err := fn()
	stop()
	if err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return err
	}
	a.teardown()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return err
}

func (a *Association) teardown() {
	a.isConnected = false
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
