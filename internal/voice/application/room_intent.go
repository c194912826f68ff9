package application

import (
	"context"
	"fmt"
	"strings"

	occdomain "magicsaas-pipeline/internal/occupancy/domain"
	"magicsaas-pipeline/internal/voice/domain"
)

// RoomOccupancyIntentName is the built-in occupancy question.
const RoomOccupancyIntentName = "RoomOccupancyIntent"

// RoomLocator finds the current state of a room.
type RoomLocator interface {
	FindRoom(tenantID, roomID string) (occdomain.RoomState, bool)
}

// RoomOccupancyIntent answers "how many people are in <room>" from live occupancy state.
func RoomOccupancyIntent(rooms RoomLocator, tenantID string) IntentHandler {
	return func(_ context.Context, req domain.AlexaRequest) (domain.AlexaResponse, error) {
		room := strings.TrimSpace(req.Request.Intent.SlotValue("room"))
		if room == "" {
			return domain.Ask("Which room?", "Tell me the name of the room."), nil
		}
		state, ok := rooms.FindRoom(tenantID, room)
		if !ok {
			return domain.Speak(fmt.Sprintf("I have no readings for %s yet.", room)), nil
		}
		return domain.Speak(occupancySentence(room, state)), nil
	}
}

func occupancySentence(room string, state occdomain.RoomState) string {
	var people string
	switch state.Count {
	case 0:
		people = "nobody is"
	case 1:
		people = "one person is"
	default:
		people = fmt.Sprintf("%d people are", state.Count)
	}
	sentence := fmt.Sprintf("Right now %s in %s.", people, room)
	if state.Over {
		sentence += " That is over the limit of " + fmt.Sprint(state.Threshold) + "."
	}
	return sentence
}
