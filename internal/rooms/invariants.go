package rooms

import (
	"fmt"
	"strings"

	"go-chat-client/internal/chaterr"
)

// checkInvariants compares a room before and after an update. The log is
// append-only, statuses never move backwards, ids are unique, and every
// message belongs to the room it sits in.
func checkInvariants(before, after Room) error {
	violation := func(format string, args ...any) error {
		return &chaterr.InvariantError{RoomID: before.ID, Detail: fmt.Sprintf(format, args...)}
	}

	if after.ID != before.ID {
		return violation("room id changed to %d", after.ID)
	}
	if !sameParticipants(before, after) {
		if len(after.Participants) < 2 {
			return violation("a room needs at least two participants, got %d", len(after.Participants))
		}
		if distinct(after.ParticipantIDs()) != len(after.Participants) {
			return violation("duplicate participant ids %v", after.ParticipantIDs())
		}
	}

	if len(after.Messages) < len(before.Messages) {
		return violation("message log shrank from %d to %d", len(before.Messages), len(after.Messages))
	}
	for i, old := range before.Messages {
		updated := after.Messages[i]
		if updated.ID != old.ID {
			return violation("message %d replaced by %d at position %d", old.ID, updated.ID, i)
		}
		if updated.Status.Rank() < old.Status.Rank() {
			return violation("message %d status regressed from %s to %s", old.ID, old.Status, updated.Status)
		}
		if updated.Text != old.Text || updated.SenderID != old.SenderID {
			return violation("message %d content changed", old.ID)
		}
	}

	seen := make(map[int]struct{}, len(after.Messages))
	for i, message := range after.Messages {
		if _, dup := seen[message.ID]; dup {
			return violation("duplicate message id %d", message.ID)
		}
		seen[message.ID] = struct{}{}
		if i < len(before.Messages) {
			continue
		}
		if message.RoomID != after.ID {
			return violation("message %d belongs to room %d", message.ID, message.RoomID)
		}
		if strings.TrimSpace(message.Text) == "" {
			return violation("message %d has empty text", message.ID)
		}
		if !message.Status.Valid() {
			return violation("message %d has unknown status %q", message.ID, message.Status)
		}
	}
	return nil
}

func sameParticipants(before, after Room) bool {
	if len(before.Participants) != len(after.Participants) {
		return false
	}
	for i := range before.Participants {
		if before.Participants[i].ID != after.Participants[i].ID {
			return false
		}
	}
	return true
}
