package queue

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/spigell/job-autopilot/internal/domain"
)

// encMode uses Core Deterministic Encoding so equal states give equal blobs.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodeResumeState(rs *domain.ResumeState) ([]byte, error) {
	if rs == nil {
		return nil, nil
	}
	b, err := encMode.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode resume state: %w", err)
	}
	return b, nil
}

func decodeResumeState(b []byte) (*domain.ResumeState, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rs domain.ResumeState
	if err := cbor.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decode resume state: %w", err)
	}
	return &rs, nil
}
