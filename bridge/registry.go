package bridge

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CommandHandler decodes its own arguments from data.
type CommandHandler func(data *[]byte) error

// Command is one entry of the command table. Responses have no handler.
type Command struct {
	ID      uint16
	Name    string
	Format  string // e.g. "connector=%c addr=%u"
	Handler CommandHandler
}

// CommandRegistry maps command ids to handlers.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	nameToID map[string]uint16
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
}

// Register adds a command under a fixed id. Ids are part of the wire format, so a
// clash is a programming error and is reported rather than reassigned.
func (r *CommandRegistry) Register(id uint16, name, format string, handler CommandHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.commands[id]; ok {
		return errors.Errorf("command id %d already used by %s", id, c.Name)
	}
	if _, ok := r.nameToID[name]; ok {
		return errors.Errorf("command %s already registered", name)
	}
	r.commands[id] = &Command{ID: id, Name: name, Format: format, Handler: handler}
	r.nameToID[name] = id
	return nil
}

// RegisterResponse declares a response message (bridge to host).
func (r *CommandRegistry) RegisterResponse(id uint16, name, format string) error {
	return r.Register(id, name, format, nil)
}

func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[id]
	return c, ok
}

func (r *CommandRegistry) Lookup(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	return id, ok
}

func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch runs the handler registered for id.
func (r *CommandRegistry) Dispatch(id uint16, data *[]byte) error {
	cmd, ok := r.GetCommand(id)
	if !ok {
		return errors.Errorf("unknown command id %d", id)
	}
	if cmd.Handler == nil {
		return errors.Errorf("%s is a response, not a command", cmd.Name)
	}
	return cmd.Handler(data)
}

// Dictionary lists every entry as "id name format", one per line, in id order.
func (r *CommandRegistry) Dictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.commands))
	for id := range r.commands {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		c := r.commands[uint16(id)]
		b.WriteString(strconv.Itoa(int(c.ID)))
		b.WriteByte(' ')
		b.WriteString(c.Name)
		if c.Format != "" {
			b.WriteByte(' ')
			b.WriteString(c.Format)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
