package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/registry"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	nwk, err := codec.ParseNwkID(r.PathValue("nwk"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid nwk id")
		return
	}
	dev, ok := s.coord.Device(nwk)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIGetDeviceByIEEE(w http.ResponseWriter, r *http.Request) {
	ieee, err := codec.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid ieee")
		return
	}
	dev, ok := s.coord.DeviceByIEEE(ieee)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIEvictDevice(w http.ResponseWriter, r *http.Request) {
	nwk, err := codec.ParseNwkID(r.PathValue("nwk"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid nwk id")
		return
	}
	if err := s.coord.EvictDevice(nwk); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("evict device", "err", err, "nwk", nwk)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Groups())
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseGroupID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	g, ok := s.coord.Group(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "group not found")
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

type memberRequest struct {
	NwkID    codec.NwkID `json:"nwk_id"`
	Endpoint uint8       `json:"ep"`
	IEEE     codec.IEEE  `json:"ieee"`
}

// decodeMember reads the group id from the path and the member from the body.
func (s *Server) decodeMember(w http.ResponseWriter, r *http.Request) (codec.GroupID, groups.Member, bool) {
	id, err := codec.ParseGroupID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return 0, groups.Member{}, false
	}
	var req memberRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return 0, groups.Member{}, false
	}
	return id, groups.Member{NwkID: req.NwkID, Endpoint: req.Endpoint, IEEE: req.IEEE}, true
}

func (s *Server) handleAPIAddGroupMember(w http.ResponseWriter, r *http.Request) {
	id, m, ok := s.decodeMember(w, r)
	if !ok {
		return
	}
	added := s.coord.AddGroupMember(id, m)
	s.writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleAPIRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	id, m, ok := s.decodeMember(w, r)
	if !ok {
		return
	}
	if !s.coord.RemoveGroupMember(id, m) {
		s.writeError(w, http.StatusNotFound, "member not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRebuildGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"added": s.coord.RebuildGroups()})
}

type networkInfo struct {
	Controller   *codec.IEEE               `json:"controller,omitempty"`
	Devices      int                       `json:"devices"`
	Groups       int                       `json:"groups"`
	PendingPages int                       `json:"pending_pages"`
	Unresolved   map[codec.NwkID]time.Time `json:"unresolved"`
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := networkInfo{
		Devices:      len(s.coord.Devices()),
		Groups:       len(s.coord.Groups()),
		PendingPages: s.coord.PendingPages(),
		Unresolved:   s.coord.Unresolved(),
	}
	if ieee, ok := s.coord.Controller(); ok {
		info.Controller = &ieee
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Save(); err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
