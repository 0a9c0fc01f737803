// Package games describes the game kinds a room can host: their role sets,
// which document field says whose turn it is, and a fresh initial document.
// Rule engines live with each game's client code, not here.
package games

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wfunc/roomsync/models"
)

//go:embed catalog.yaml
var builtinCatalog []byte

var (
	ErrUnknownGame = errors.New("unknown game kind")
	ErrInvalidGame = errors.New("invalid game definition")
)

// Game is one game kind.
type Game struct {
	Kind string
	// Roles in assignment order; Roles[0] is the default first role.
	Roles []string
	// TurnField names the document field holding the role to move. Empty
	// means moves are simultaneous and only a resolved role is required.
	TurnField string
	Initial   models.Document
}

func (g *Game) DefaultRole() string {
	if len(g.Roles) == 0 {
		return ""
	}
	return g.Roles[0]
}

func (g *Game) MaxPlayers() int {
	return len(g.Roles)
}

func (g *Game) HasRole(role string) bool {
	for _, r := range g.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Opposite returns the other role of a two-role game.
func (g *Game) Opposite(role string) (string, bool) {
	if len(g.Roles) != 2 {
		return "", false
	}
	switch role {
	case g.Roles[0]:
		return g.Roles[1], true
	case g.Roles[1]:
		return g.Roles[0], true
	}
	return "", false
}

// InitialDocument returns a fresh copy of the initial state with an empty
// roster.
func (g *Game) InitialDocument() models.Document {
	return g.Initial.WithRoster(models.Roster{})
}

// TurnOf returns the role whose turn it is in doc, if the game has turns.
func (g *Game) TurnOf(doc models.Document) (string, bool) {
	if g.TurnField == "" {
		return "", false
	}
	s, ok := doc.Field(g.TurnField).(string)
	return s, ok
}

type gameSpec struct {
	Kind      string         `yaml:"kind"`
	Roles     []string       `yaml:"roles"`
	TurnField string         `yaml:"turn_field"`
	Initial   map[string]any `yaml:"initial"`
}

type catalogFile struct {
	Games []gameSpec `yaml:"games"`
}

// Catalog is a read-mostly registry of game kinds.
type Catalog struct {
	mu    sync.RWMutex
	games map[string]*Game
}

func NewCatalog() *Catalog {
	return &Catalog{games: make(map[string]*Game)}
}

// Default returns a catalog holding the built-in games.
func Default() *Catalog {
	c := NewCatalog()
	if err := c.LoadYAML(builtinCatalog); err != nil {
		panic("games: built-in catalog is invalid: " + err.Error())
	}
	return c
}

// Load returns the built-in catalog extended (or overridden per kind) by the
// YAML file at path. An empty path yields the built-ins only.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game catalog: %w", err)
	}
	if err := c.LoadYAML(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) LoadYAML(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse game catalog: %w", err)
	}
	for _, spec := range file.Games {
		g, err := spec.build()
		if err != nil {
			return err
		}
		if err := c.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (s gameSpec) build() (*Game, error) {
	initial := s.Initial
	if initial == nil {
		initial = map[string]any{}
	}
	doc, err := models.DocumentFrom(initial)
	if err != nil {
		return nil, fmt.Errorf("%w: %s initial document: %v", ErrInvalidGame, s.Kind, err)
	}
	return &Game{
		Kind:      s.Kind,
		Roles:     s.Roles,
		TurnField: s.TurnField,
		Initial:   doc,
	}, nil
}

// Register adds or replaces a game kind.
func (c *Catalog) Register(g *Game) error {
	if err := (models.RoomKey{RoomID: "-", GameKind: g.Kind}).Validate(); err != nil {
		return fmt.Errorf("%w: kind %q", ErrInvalidGame, g.Kind)
	}
	if len(g.Roles) < 2 || len(g.Roles) > 4 {
		return fmt.Errorf("%w: %s needs 2 to 4 roles, has %d", ErrInvalidGame, g.Kind, len(g.Roles))
	}
	seen := make(map[string]bool, len(g.Roles))
	for _, r := range g.Roles {
		if r == "" || seen[r] {
			return fmt.Errorf("%w: %s has an empty or duplicate role", ErrInvalidGame, g.Kind)
		}
		seen[r] = true
	}
	if g.Initial == nil {
		g.Initial = models.Document{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.games[g.Kind] = g
	return nil
}

func (c *Catalog) Get(kind string) (*Game, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.games[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, kind)
	}
	return g, nil
}

func (c *Catalog) Has(kind string) bool {
	_, err := c.Get(kind)
	return err == nil
}

// Kinds returns the registered kinds in sorted order.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, 0, len(c.games))
	for k := range c.games {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
