package store

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// MaxSemeruMembers caps the manifest rows beyond the leader.
const MaxSemeruMembers = 9

var isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Cookies carries the per-job browser cookie overrides. All fields
// are optional. CISession shadows the user-global credential when
// set.
type Cookies struct {
	GA        string `json:"_ga"`
	GASession string `json:"_ga_session"`
	CISession string `json:"ci_session"`
}

// Empty reports whether no cookie value is set.
func (c Cookies) Empty() bool {
	return c.GA == "" && c.GASession == "" && c.CISession == ""
}

// Job is one scheduled booking attempt as persisted on disk. Profile
// stays raw so both site payload shapes share the same record.
type Job struct {
	Site            string          `json:"site"`
	BookingISO      string          `json:"booking_iso"`
	ExecISO         string          `json:"exec_iso"`
	Time            string          `json:"time"`
	Profile         json.RawMessage `json:"profile"`
	Cookies         Cookies         `json:"cookies"`
	ReminderMinutes *int            `json:"reminder_minutes"`
	CreatedAt       string          `json:"created_at"`
	ChatID          int64           `json:"chat_id"`
}

// ExecAt resolves the trigger instant in the given zone.
func (j Job) ExecAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", j.ExecISO+" "+j.Time, loc)
	if err != nil {
		return time.Time{}, trace.BadParameter("store: job exec timestamp: %v", err)
	}
	return t, nil
}

// SiteInfo resolves the job's site descriptor.
func (j Job) SiteInfo() (Site, error) {
	return SiteByName(j.Site)
}

// DecodeBromoProfile unpacks and validates the profile as a Bromo
// payload.
func (j Job) DecodeBromoProfile() (*BromoProfile, error) {
	var p BromoProfile
	if err := json.Unmarshal(j.Profile, &p); err != nil {
		return nil, trace.BadParameter("store: bromo profile: %v", err)
	}
	if err := p.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// DecodeSemeruProfile unpacks and validates the profile as a Semeru
// payload.
func (j Job) DecodeSemeruProfile() (*SemeruProfile, error) {
	var p SemeruProfile
	if err := json.Unmarshal(j.Profile, &p); err != nil {
		return nil, trace.BadParameter("store: semeru profile: %v", err)
	}
	if err := p.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// BromoProfile is the single-leader day visit payload. Values keep
// their form-encoded wire representation.
type BromoProfile struct {
	Name         string `json:"name"`
	IdentityNo   string `json:"identity_no"`
	Phone        string `json:"hp"`
	Birthdate    string `json:"birthdate"`
	Address      string `json:"address"`
	ProvinceID   string `json:"id_province"`
	DistrictID   string `json:"id_district"`
	CountryID    string `json:"id_country"`
	GenderID     string `json:"id_gender"`
	IdentityID   string `json:"id_identity"`
	GateID       string `json:"id_gate"`
	VehicleID    string `json:"id_vehicle"`
	VehicleCount string `json:"vehicle_count"`
	Male         string `json:"male"`
	Female       string `json:"female"`
	Bank         string `json:"bank"`
}

// CheckAndSetDefaults validates the profile and fills the fixed wire
// defaults where a field was left empty.
func (p *BromoProfile) CheckAndSetDefaults() error {
	if p.CountryID == "" {
		p.CountryID = "99"
	}
	if p.GenderID == "" {
		p.GenderID = "1"
	}
	if p.IdentityID == "" {
		p.IdentityID = "1"
	}
	if p.GateID == "" {
		p.GateID = "2"
	}
	if p.VehicleID == "" {
		p.VehicleID = "2"
	}
	if p.VehicleCount == "" {
		p.VehicleCount = "1"
	}
	if p.Male == "" {
		p.Male = "0"
	}
	if p.Female == "" {
		p.Female = "0"
	}
	p.Bank = normalizeBank(p.Bank)

	if strings.TrimSpace(p.Name) == "" {
		return trace.BadParameter("store: leader name is required")
	}
	if strings.TrimSpace(p.IdentityNo) == "" {
		return trace.BadParameter("store: leader identity number is required")
	}
	if strings.TrimSpace(p.Phone) == "" {
		return trace.BadParameter("store: leader phone is required")
	}
	if p.Birthdate != "" && !isoDateRe.MatchString(p.Birthdate) {
		return trace.BadParameter("store: birthdate must be YYYY-MM-DD, got %q", p.Birthdate)
	}
	switch p.GateID {
	case "1", "2", "3", "4":
	default:
		return trace.BadParameter("store: gate must be 1..4, got %q", p.GateID)
	}
	switch p.VehicleID {
	case "1", "2", "3", "4", "6":
	default:
		return trace.BadParameter("store: vehicle must be one of 1,2,3,4,6, got %q", p.VehicleID)
	}
	if err := intInRange("vehicle_count", p.VehicleCount, 1, 20); err != nil {
		return trace.Wrap(err)
	}
	if err := intInRange("male", p.Male, 0, 19); err != nil {
		return trace.Wrap(err)
	}
	if err := intInRange("female", p.Female, 0, 19); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// PartySize counts the leader plus companions.
func (p *BromoProfile) PartySize() int {
	m, _ := strconv.Atoi(p.Male)
	f, _ := strconv.Atoi(p.Female)
	return 1 + m + f
}

// SemeruLeader is the climb leader block of a Semeru manifest.
type SemeruLeader struct {
	Name         string `json:"name"`
	IdentityNo   string `json:"identity_no"`
	Phone        string `json:"hp"`
	Birthdate    string `json:"birthdate"`
	Address      string `json:"address"`
	ProvinceID   string `json:"id_province"`
	DistrictID   string `json:"id_district"`
	CountryID    string `json:"id_country"`
	GenderID     string `json:"id_gender"`
	IdentityID   string `json:"id_identity"`
	Pendamping   string `json:"pendamping"`
	Organisasi   string `json:"organisasi"`
	LeaderSetuju string `json:"leader_setuju"`
	Bank         string `json:"bank"`
}

// SemeruMember is one manifest row beyond the leader.
type SemeruMember struct {
	Name        string `json:"nama"`
	Birthdate   string `json:"birthdate"`
	GenderID    string `json:"id_gender"`
	Address     string `json:"alamat"`
	IdentityID  string `json:"id_identity"`
	IdentityNo  string `json:"identity_no"`
	MemberPhone string `json:"hp_member"`
	FamilyPhone string `json:"hp_keluarga"`
	JobID       string `json:"id_job"`
	CountryID   string `json:"id_country"`
	Setuju      string `json:"anggota_setuju"`
}

// SemeruProfile bundles the leader with the manifest members.
type SemeruProfile struct {
	Leader  SemeruLeader   `json:"leader"`
	Members []SemeruMember `json:"members"`
}

// CheckAndSetDefaults validates the manifest and fills the fixed wire
// defaults. A valid manifest has the leader plus one to nine members.
func (p *SemeruProfile) CheckAndSetDefaults() error {
	l := &p.Leader
	if l.CountryID == "" {
		l.CountryID = "99"
	}
	if l.GenderID == "" {
		l.GenderID = "1"
	}
	if l.IdentityID == "" {
		l.IdentityID = "1"
	}
	if l.Pendamping == "" {
		l.Pendamping = "0"
	}
	if l.LeaderSetuju == "" {
		l.LeaderSetuju = "0"
	}
	l.Bank = normalizeBank(l.Bank)

	if strings.TrimSpace(l.Name) == "" {
		return trace.BadParameter("store: leader name is required")
	}
	if strings.TrimSpace(l.IdentityNo) == "" {
		return trace.BadParameter("store: leader identity number is required")
	}
	if strings.TrimSpace(l.Phone) == "" {
		return trace.BadParameter("store: leader phone is required")
	}
	if l.Birthdate != "" && !isoDateRe.MatchString(l.Birthdate) {
		return trace.BadParameter("store: leader birthdate must be YYYY-MM-DD, got %q", l.Birthdate)
	}
	if l.Pendamping != "0" && l.Pendamping != "1" {
		return trace.BadParameter("store: pendamping must be 0 or 1, got %q", l.Pendamping)
	}
	if l.LeaderSetuju != "0" && l.LeaderSetuju != "1" {
		return trace.BadParameter("store: leader consent must be 0 or 1, got %q", l.LeaderSetuju)
	}

	if len(p.Members) == 0 {
		return trace.BadParameter("store: semeru manifest needs at least one member beyond the leader")
	}
	if len(p.Members) > MaxSemeruMembers {
		return trace.BadParameter("store: semeru manifest is capped at %d members, got %d", MaxSemeruMembers, len(p.Members))
	}
	for i := range p.Members {
		m := &p.Members[i]
		if m.GenderID == "" {
			m.GenderID = "1"
		}
		if m.IdentityID == "" {
			m.IdentityID = "1"
		}
		if m.JobID == "" {
			m.JobID = "6"
		}
		if m.CountryID == "" {
			m.CountryID = "99"
		}
		if m.Setuju == "" {
			m.Setuju = "0"
		}
		if strings.TrimSpace(m.Name) == "" {
			return trace.BadParameter("store: member %d: name is required", i+1)
		}
		if m.Birthdate != "" && !isoDateRe.MatchString(m.Birthdate) {
			return trace.BadParameter("store: member %d: birthdate must be YYYY-MM-DD, got %q", i+1, m.Birthdate)
		}
		if m.GenderID != "1" && m.GenderID != "2" {
			return trace.BadParameter("store: member %d: gender must be 1 or 2, got %q", i+1, m.GenderID)
		}
	}
	return nil
}

// UserRecord is one user's slice of the persistent state: the global
// ci_session credential plus every job keyed by name.
type UserRecord struct {
	CISession string         `json:"ci_session"`
	Jobs      map[string]Job `json:"jobs"`
}

func normalizeBank(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "va-mandiri":
		return "VA-Mandiri"
	case "va-bni":
		return "VA-BNI"
	default:
		return "qris"
	}
}

func intInRange(field, v string, lo, hi int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return trace.BadParameter("store: %s must be a number, got %q", field, v)
	}
	if n < lo || n > hi {
		return trace.BadParameter("store: %s must be %d..%d, got %d", field, lo, hi, n)
	}
	return nil
}
