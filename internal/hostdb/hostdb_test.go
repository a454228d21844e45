package hostdb

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zigbee-nwkcore/internal/store"
)

func openTestStore(t *testing.T, hardwareID int) (*ConfigStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.db")
	s, err := Open(Config{Path: path, HardwareID: hardwareID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestGetMissingRow(t *testing.T) {
	s, _ := openTestStore(t, 7)
	_, err := s.GetConfigItem("ListOfGroups")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetAndGet(t *testing.T) {
	s, _ := openTestStore(t, 7)

	item, err := store.NewConfigItem(map[string]string{"0001": "Hall"}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigItem("ListOfGroups", item); err != nil {
		t.Fatalf("SetConfigItem: %v", err)
	}

	got, err := s.GetConfigItem("ListOfGroups")
	if err != nil {
		t.Fatalf("GetConfigItem: %v", err)
	}
	if got.TimeStamp != item.TimeStamp || got.Version != store.ConfigItemVersion {
		t.Errorf("item = %+v, want %+v", got, item)
	}
	var v map[string]string
	if err := got.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["0001"] != "Hall" {
		t.Errorf("decoded = %v", v)
	}

	if _, err := s.GetConfigItem("ListOfDevices"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other key: err = %v, want ErrNotFound", err)
	}
}

func TestSetKeepsOtherKeys(t *testing.T) {
	s, path := openTestStore(t, 3)

	// Row written by the host with an unrelated item.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO Hardware (ID, Name, Configuration) VALUES (3, 'Zigbee', ?)`,
		`{"PluginConf": {"TimeStamp": 1, "Version": 3, "b64encoded": "e30="}}`); err != nil {
		t.Fatal(err)
	}

	item := &store.ConfigItem{TimeStamp: 2, Version: 3, B64Encoded: "e30="}
	if err := s.SetConfigItem("ListOfGroups", item); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetConfigItem("PluginConf"); err != nil {
		t.Errorf("PluginConf lost: %v", err)
	}
	if _, err := s.GetConfigItem("ListOfGroups"); err != nil {
		t.Errorf("ListOfGroups missing: %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT Name FROM Hardware WHERE ID = 3`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Zigbee" {
		t.Errorf("name = %q, want Zigbee", name)
	}
}

func TestRowsAreIsolatedByHardwareID(t *testing.T) {
	s, path := openTestStore(t, 1)
	other, err := Open(Config{Path: path, HardwareID: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if err := s.SetConfigItem("ListOfGroups", &store.ConfigItem{TimeStamp: 1, Version: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := other.GetConfigItem("ListOfGroups"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other hardware row: err = %v, want ErrNotFound", err)
	}
}
