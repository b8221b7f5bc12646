package dimse

import (
	"context"
	"fmt"
	"time"
)

// CEcho performs a C-ECHO operation (DICOM ping)
func (a *Association) CEcho(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connectLocked(ctx); err != nil {
		return err
	}
	pc, ok := a.contexts[VerificationSOPClass]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPresentationContext, VerificationSOPClass)
	}

	a.lastUsed = time.Now()
	msgID := a.nextMessageID()

	return a.withDeadline(ctx, func() error {
		err := a.dimse.Send(&Message{
			ContextID: pc.ID,
			Command: &Command{
				Field:               CEchoRQ,
				AffectedSOPClassUID: VerificationSOPClass,
				MessageID:           msgID,
				DataSetType:         NoDataSet,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to send C-ECHO request: %w", err)
		}

		rsp, err := a.dimse.Receive()
		if err != nil {
			return fmt.Errorf("failed to receive C-ECHO response: %w", err)
		}
		if rsp.Command.Field != CEchoRSP {
			return protocolErrorf("unexpected response 0x%04x to C-ECHO", rsp.Command.Field)
		}
		if rsp.Command.Status != StatusSuccess {
			return &StatusError{Command: CEchoRSP, Status: rsp.Command.Status}
		}
		return nil
	})
}
