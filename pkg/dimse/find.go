package dimse

import (
	"context"
	"fmt"
	"time"
)

// Query/Retrieve levels
const (
	LevelPatient = "PATIENT"
	LevelStudy   = "STUDY"
	LevelSeries  = "SERIES"
	LevelImage   = "IMAGE"
)

// NewQuery returns an identifier for the given query level
func NewQuery(level string) *Dataset {
	ds := NewDataset()
	ds.Set(TagQueryRetrieveLevel, level)
	return ds
}

// CFind performs a C-FIND in the information model model (PatientRootFind or
// StudyRootFind) and collects the identifiers of every pending response.
func (a *Association) CFind(ctx context.Context, model string, identifier *Dataset) ([]*Dataset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connectLocked(ctx); err != nil {
		return nil, err
	}
	pc, ok := a.contexts[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPresentationContext, model)
	}
	transferSyntax := pc.TransferSyntaxes[0]
	data, err := identifier.Encode(transferSyntax)
	if err != nil {
		return nil, err
	}

	a.lastUsed = time.Now()
	msgID := a.nextMessageID()
	request := &Message{
		ContextID: pc.ID,
		Command: &Command{
			Field:               CFindRQ,
			AffectedSOPClassUID: model,
			MessageID:           msgID,
			Priority:            PriorityMedium,
			DataSetType:         DataSetPresent,
		},
		Data: data,
	}

	var results []*Dataset
	err = a.withDeadline(ctx, func() error {
		if err := a.dimse.Send(request); err != nil {
			return fmt.Errorf("failed to send C-FIND request: %w", err)
		}
		for {
			rsp, err := a.dimse.Receive()
			if err != nil {
				return fmt.Errorf("failed to receive C-FIND response: %w", err)
			}
			if rsp.Command.Field != CFindRSP || rsp.Command.MessageIDBeingRespondedTo != msgID {
				return protocolErrorf("unexpected response 0x%04x to message %d", rsp.Command.Field, rsp.Command.MessageIDBeingRespondedTo)
			}
			switch {
			case rsp.Command.IsPending():
				if !rsp.Command.HasDataSet() {
					continue
				}
				ds, err := DecodeDataset(rsp.Data, transferSyntax)
				if err != nil {
					return err
				}
				results = append(results, ds)
			case rsp.Command.Status == StatusSuccess:
				return nil
			default:
				return &StatusError{Command: CFindRSP, Status: rsp.Command.Status}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
