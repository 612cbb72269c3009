package observer

import (
	"fmt"
	"io"
	"os"
)

// Subscriber is notified by every channel it is registered with.
type Subscriber interface {
	Notify(source, payload string) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(source, payload string) error

func (f SubscriberFunc) Notify(source, payload string) error {
	return f(source, payload)
}

// User is a named subscriber that renders each notification as a line of text.
type User struct {
	name string
	out  io.Writer
}

var _ Subscriber = (*User)(nil)

// NewUser returns a User writing to out, or to stdout when out is nil.
func NewUser(name string, out io.Writer) *User {
	if out == nil {
		out = os.Stdout
	}
	return &User{name: name, out: out}
}

func (u *User) Name() string {
	return u.name
}

func (u *User) Notify(source, payload string) error {
	_, err := fmt.Fprintf(u.out, "\n For `%s`, there's a new message from channel `%s`: %s\n\n", u.name, source, payload)
	if err != nil {
		return fmt.Errorf("render notification for %s: %w", u.name, err)
	}
	return nil
}
