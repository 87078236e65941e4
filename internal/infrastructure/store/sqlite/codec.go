package sqlite

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// codecVersion is the single-byte prefix on every stored record.
const codecVersion byte = 1

// encodeSummary produces the deterministic binary form of a summary:
// version byte, two raw 16-byte ids, uvarint-length-prefixed strings,
// uvarint count, and two fixed 8-byte UTC nanosecond timestamps.
func encodeSummary(s domain.ConversationSummary) []byte {
	buf := make([]byte, 0, 64+len(s.ConversationID)+len(s.Text))
	buf = append(buf, codecVersion)

	id := uuid.UUID(s.ID)
	buf = append(buf, id[:]...)
	agent := uuid.UUID(s.AgentID)
	buf = append(buf, agent[:]...)

	buf = appendString(buf, s.ConversationID)
	buf = appendString(buf, s.Text)
	buf = binary.AppendUvarint(buf, s.MessageCount)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.CreatedAt.UTC().UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.UpdatedAt.UTC().UnixNano()))
	return buf
}

func decodeSummary(data []byte) (domain.ConversationSummary, error) {
	if len(data) == 0 {
		return domain.ConversationSummary{}, &domain.MessageError{Reason: "summary record is empty"}
	}
	if data[0] != codecVersion {
		return domain.ConversationSummary{}, &domain.MessageError{
			Reason: fmt.Sprintf("unsupported summary record version %d", data[0]),
		}
	}
	rest := data[1:]

	if len(rest) < 32 {
		return domain.ConversationSummary{}, &domain.MessageError{Reason: "summary record truncated"}
	}
	var id, agent uuid.UUID
	copy(id[:], rest[:16])
	copy(agent[:], rest[16:32])
	rest = rest[32:]

	conversationID, rest, err := readString(rest)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	text, rest, err := readString(rest)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return domain.ConversationSummary{}, &domain.MessageError{Reason: "summary record truncated at count"}
	}
	rest = rest[n:]

	if len(rest) < 16 {
		return domain.ConversationSummary{}, &domain.MessageError{Reason: "summary record truncated at timestamps"}
	}
	created := int64(binary.BigEndian.Uint64(rest[:8]))
	updated := int64(binary.BigEndian.Uint64(rest[8:16]))

	return domain.ConversationSummary{
		ID:             domain.MessageID(id),
		AgentID:        domain.AgentID(agent),
		ConversationID: conversationID,
		Text:           text,
		MessageCount:   count,
		CreatedAt:      time.Unix(0, created).UTC(),
		UpdatedAt:      time.Unix(0, updated).UTC(),
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < length {
		return "", nil, &domain.MessageError{Reason: "summary record truncated at string"}
	}
	return string(data[n : n+int(length)]), data[n+int(length):], nil
}
