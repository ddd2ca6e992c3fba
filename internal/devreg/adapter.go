package devreg

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/lancom-ble/internal/mac"
	"github.com/nugget/lancom-ble/internal/names"
)

// Adapter layers the access-point bookkeeping onto a Store: one entry
// per AP MAC under the canonical identifier, default names for unnamed
// devices, and the cleanup operations exposed as maintenance services.
type Adapter struct {
	store  Store
	logger *slog.Logger
}

func NewAdapter(store Store, logger *slog.Logger) *Adapter {
	return &Adapter{store: store, logger: logger}
}

// Store returns the underlying registry store.
func (a *Adapter) Store() Store { return a.store }

// RegisterOrUpdate makes sure an entry exists for the AP with the
// canonical identifier and exactly one lowercase mac connection.
// Existing entries keep their names; only a drifted connection set is
// rewritten.
func (a *Adapter) RegisterOrUpdate(macUpper string) (Entry, error) {
	ident := mac.IdentifierFor(macUpper)
	kind, value := mac.ConnectionKey(macUpper)
	desired := []Connection{{Kind: kind, Value: value}}

	existing, err := a.store.GetByIdentifier(ident)
	if err == nil {
		if sameConnections(existing.Connections, desired) {
			return existing, nil
		}
		updated, err := a.store.Update(existing.ID, Changes{Connections: &desired})
		if err != nil {
			return Entry{}, err
		}
		a.logger.Debug("registry entry updated", "mac", macUpper)
		return updated, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	created, err := a.store.Create(Entry{
		Identifier:   ident,
		Name:         names.DefaultName(macUpper),
		Manufacturer: Manufacturer,
		Model:        Model,
		SWVersion:    SWVersion,
		Connections:  desired,
	})
	if err != nil {
		return Entry{}, err
	}
	a.logger.Debug("registry entry created", "mac", macUpper)
	return created, nil
}

// EnsureDefaultName resets an unnamed entry's display name to
// "Lancom AP <MAC>". Entries the user renamed are left alone; update
// failures are logged at debug and swallowed.
func (a *Adapter) EnsureDefaultName(macUpper string) {
	e, err := a.store.GetByIdentifier(mac.IdentifierFor(macUpper))
	if err != nil {
		return
	}
	if e.NameByUser != "" {
		return
	}
	desired := names.DefaultName(macUpper)
	if e.Name == desired {
		return
	}
	if _, err := a.store.Update(e.ID, Changes{Name: StringPtr(desired)}); err != nil {
		a.logger.Debug("could not set default name", "mac", macUpper, "error", err)
		return
	}
	a.logger.Debug("default name set", "mac", macUpper, "name", desired)
}

// BaseName returns the MAC-free label the AP advertises under: the
// cleaned user name when one is set, otherwise "Lancom AP".
func (a *Adapter) BaseName(macUpper string) string {
	e, err := a.store.GetByIdentifier(mac.IdentifierFor(macUpper))
	if err != nil {
		return names.BaseLabel
	}
	if e.NameByUser != "" {
		return names.CleanUserName(e.NameByUser, macUpper)
	}
	return names.BaseLabel
}

// AlignPersistentName copies the cleaned user name into the display
// name when the display name is still generic. It reports whether an
// update was written.
func (a *Adapter) AlignPersistentName(macUpper string) bool {
	e, err := a.store.GetByIdentifier(mac.IdentifierFor(macUpper))
	if err != nil {
		return false
	}
	if e.NameByUser == "" {
		return false
	}
	cleaned := names.CleanUserName(e.NameByUser, macUpper)
	if !names.LooksGeneric(e.Name, macUpper) || e.Name == cleaned {
		return false
	}
	if _, err := a.store.Update(e.ID, Changes{Name: StringPtr(cleaned)}); err != nil {
		a.logger.Debug("name alignment failed", "mac", macUpper, "error", err)
		return false
	}
	a.logger.Debug("display name aligned to user name", "mac", macUpper, "name", cleaned)
	return true
}

// SyncExisting walks every entry with a parseable identifier,
// re-applies the default name to the unnamed ones and returns how many
// entries were checked.
func (a *Adapter) SyncExisting() (int, error) {
	entries, err := a.store.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		macUpper, ok := mac.FromIdentifier(e.Identifier)
		if !ok {
			continue
		}
		if e.NameByUser == "" {
			a.EnsureDefaultName(macUpper)
		}
		count++
	}
	return count, nil
}

// Consolidate merges duplicate entries that share a mac connection.
// The entry under the canonical identifier survives (the first of the
// group when none matches), gets its connection set fixed, and the
// rest are removed. It returns the number of removed duplicates.
func (a *Adapter) Consolidate() (int, error) {
	entries, err := a.store.List()
	if err != nil {
		return 0, err
	}

	grouped := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		value := e.MACConnection()
		if value == "" {
			continue
		}
		key := strings.ToUpper(value)
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], e)
	}

	removed := 0
	for _, macUpper := range order {
		group := grouped[macUpper]
		if len(group) <= 1 {
			continue
		}
		primary := group[0]
		ident := mac.IdentifierFor(macUpper)
		for _, e := range group {
			if e.Identifier == ident {
				primary = e
				break
			}
		}
		kind, value := mac.ConnectionKey(macUpper)
		desired := []Connection{{Kind: kind, Value: value}}
		if !sameConnections(primary.Connections, desired) {
			if _, err := a.store.Update(primary.ID, Changes{Connections: &desired}); err != nil {
				a.logger.Debug("could not fix connections", "mac", macUpper, "error", err)
			}
		}
		for _, e := range group {
			if e.ID == primary.ID {
				continue
			}
			if err := a.store.Remove(e.ID); err != nil {
				a.logger.Debug("could not remove duplicate", "id", e.ID, "error", err)
				continue
			}
			removed++
			a.logger.Debug("duplicate removed", "name", e.Name, "id", e.ID)
		}
	}
	return removed, nil
}

// FixAllNames strips MAC fragments from every user-assigned name and
// returns how many entries changed. Display names are not touched.
func (a *Adapter) FixAllNames() (int, error) {
	entries, err := a.store.List()
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, e := range entries {
		macUpper, ok := mac.FromIdentifier(e.Identifier)
		if !ok || e.NameByUser == "" {
			continue
		}
		cleaned := names.CleanUserName(e.NameByUser, macUpper)
		if cleaned == e.NameByUser {
			continue
		}
		if _, err := a.store.Update(e.ID, Changes{NameByUser: StringPtr(cleaned)}); err != nil {
			a.logger.Debug("could not clean user name", "mac", macUpper, "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}
