package demo

import (
	"fmt"
	"io"

	"channelcast/internal/observer"
)

const padding = "\n\n\n\n\n"

type channelSetup struct {
	name      string
	followers []string
	message   string
}

var session = []channelSetup{
	{
		name:      "TeChNoLoGiA",
		followers: []string{"Ali", "Zeinab", "Fatemeh"},
		message:   "Hi! There is just a new Samsung phone that is going to be published very soon! Its name is S26 Ultra.",
	},
	{
		name:      "SPORTS",
		followers: []string{"Reza", "Alexander", "Rosy"},
		message:   "Hello sport fans! In the previous F1 grand prix in Monza italy, the winner of the race was Max Verstappen!!!",
	},
}

// Run plays the two-channel session: every channel notifies only its own
// followers.
func Run(w io.Writer) error {
	if _, err := io.WriteString(w, padding+"\n"); err != nil {
		return err
	}

	channels := make([]*observer.Channel, 0, len(session))
	for _, cs := range session {
		ch := observer.NewChannel(cs.name)
		for _, name := range cs.followers {
			if err := ch.Register(observer.NewUser(name, w)); err != nil {
				return fmt.Errorf("follow %s: %w", cs.name, err)
			}
		}
		channels = append(channels, ch)
	}

	for i, ch := range channels {
		if err := ch.Broadcast(session[i].message); err != nil {
			return fmt.Errorf("send on %s: %w", ch.Name(), err)
		}
	}

	_, err := io.WriteString(w, padding+"\n")
	return err
}
