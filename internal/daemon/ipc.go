package daemon

import (
	"context"
	"fmt"

	"github.com/blackwell-systems/netzone/internal/codec"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

// IPC action names.
const (
	ActionGetCurrentLocation = "get_current_location"
	ActionGetActiveZone      = "get_active_zone"
	ActionListZones          = "list_zones"
	ActionCreateZone         = "create_zone"
	ActionRemoveZone         = "remove_zone"
	ActionActivateZone       = "activate_zone"
	ActionExecuteActions     = "execute_actions"
	ActionGetStatus          = "get_status"
	ActionShutdown           = "shutdown"
	ActionAddFingerprint     = "add_fingerprint"
	ActionRetryStatus        = "retry_status"
	ActionClearRetries       = "clear_retries"
	ActionZoneHistory        = "zone_history"
	ActionImportZone         = "import_zone"
)

// LocationUpdate answers get_current_location.
type LocationUpdate struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint" cbor:"fingerprint"`
}

// ActiveZone answers get_active_zone. Zone is nil when no zone is
// current.
type ActiveZone struct {
	Zone *zone.Zone `json:"zone,omitempty" cbor:"zone,omitempty"`
}

// ZoneList answers list_zones.
type ZoneList struct {
	Zones []zone.Zone `json:"zones" cbor:"zones"`
}

// FingerprintAdded answers add_fingerprint.
type FingerprintAdded struct {
	ZoneID string `json:"zone_id" cbor:"zone_id"`
	Added  bool   `json:"added" cbor:"added"`
}

// RetriesCleared answers clear_retries.
type RetriesCleared struct {
	Removed int `json:"removed" cbor:"removed"`
}

// History answers zone_history.
type History struct {
	Entries []*store.HistoryEntry `json:"entries" cbor:"entries"`
}

type zoneRequest struct {
	ZoneID string `cbor:"zone_id"`
}

type createRequest struct {
	Name    string        `cbor:"name"`
	Actions *zone.Actions `cbor:"actions"`
}

type importRequest struct {
	Zone zone.Zone `cbor:"zone"`
}

type actionsRequest struct {
	Actions zone.Actions `cbor:"actions"`
}

type historyRequest struct {
	Limit int `cbor:"limit"`
}

func decode(raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (r zoneRequest) validate() error {
	if r.ZoneID == "" {
		return fmt.Errorf("missing required field: zone_id")
	}
	return nil
}

// register installs every IPC action on s.
func (d *Daemon) register(s *Server) {
	s.Handle(ActionGetCurrentLocation, func(ctx context.Context, _ []byte) (any, error) {
		fp, err := d.CurrentLocation(ctx)
		if err != nil {
			return nil, err
		}
		return LocationUpdate{Fingerprint: fp}, nil
	})

	s.Handle(ActionGetActiveZone, func(context.Context, []byte) (any, error) {
		var resp ActiveZone
		if z, ok := d.zones.ActiveZone(); ok {
			resp.Zone = &z
		}
		return resp, nil
	})

	s.Handle(ActionListZones, func(context.Context, []byte) (any, error) {
		return ZoneList{Zones: d.zones.ListZones()}, nil
	})

	s.Handle(ActionCreateZone, func(ctx context.Context, raw []byte) (any, error) {
		var req createRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		actions := zone.DefaultActions()
		if req.Actions != nil {
			actions = *req.Actions
		}
		return d.zones.CreateZone(ctx, req.Name, actions)
	})

	s.Handle(ActionImportZone, func(ctx context.Context, raw []byte) (any, error) {
		var req importRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return d.zones.ImportZone(ctx, req.Zone)
	})

	s.Handle(ActionRemoveZone, func(ctx context.Context, raw []byte) (any, error) {
		var req zoneRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		z, err := d.zones.Zone(req.ZoneID)
		if err != nil {
			return nil, err
		}
		return nil, d.zones.RemoveZone(ctx, z.ID)
	})

	s.Handle(ActionActivateZone, func(ctx context.Context, raw []byte) (any, error) {
		var req zoneRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		return d.ActivateZone(ctx, req.ZoneID)
	})

	s.Handle(ActionExecuteActions, func(ctx context.Context, raw []byte) (any, error) {
		var req actionsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return d.ExecuteActions(ctx, req.Actions), nil
	})

	s.Handle(ActionGetStatus, func(context.Context, []byte) (any, error) {
		return d.Status(), nil
	})

	s.Handle(ActionShutdown, func(context.Context, []byte) (any, error) {
		d.Shutdown()
		return nil, nil
	})

	s.Handle(ActionAddFingerprint, func(ctx context.Context, raw []byte) (any, error) {
		var req zoneRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		z, err := d.zones.Zone(req.ZoneID)
		if err != nil {
			return nil, err
		}
		added, err := d.zones.AddFingerprint(ctx, z.ID)
		if err != nil {
			return nil, err
		}
		return FingerprintAdded{ZoneID: z.ID, Added: added}, nil
	})

	s.Handle(ActionRetryStatus, func(context.Context, []byte) (any, error) {
		return d.retries.QueueStatus(), nil
	})

	s.Handle(ActionClearRetries, func(context.Context, []byte) (any, error) {
		return RetriesCleared{Removed: d.retries.ClearQueue()}, nil
	})

	s.Handle(ActionZoneHistory, func(ctx context.Context, raw []byte) (any, error) {
		var req historyRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		entries, err := d.History(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		return History{Entries: entries}, nil
	})
}
