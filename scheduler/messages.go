package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/protocol"
	"github.com/firasghr/GoBookingEngine/report"
	"github.com/firasghr/GoBookingEngine/store"
)

// All user-facing text is Indonesian, matching the audience of the
// portal the engine books against.

func (o *Orchestrator) scheduledText(site store.Site, job store.Job, name string) string {
	rem := "tidak"
	if lead := o.reminderLead(job); lead > 0 {
		rem = fmt.Sprintf("%d menit sebelum", lead)
	}
	return fmt.Sprintf("Terjadwal ✅ (%s)\n- Booking: %s\n- Eksekusi: %s %s (%s)\n- Reminder: %s\nJob: %s",
		strings.ToUpper(site.Label), job.BookingISO, job.ExecISO, job.Time,
		o.settings.Timezone, rem, name)
}

func (o *Orchestrator) reminderText(name string, job store.Job) string {
	return fmt.Sprintf("⏰ Reminder job:\n%s\n\nEksekusi: %s %s (%s)\nBooking:  %s\n\nUpdate cookies jika berpotensi expired:\n- _ga: %s\n- _ga_session: %s\n- ci_session: %s",
		name, job.ExecISO, job.Time, o.settings.Timezone, job.BookingISO,
		report.MaskToken(job.Cookies.GA),
		report.MaskToken(job.Cookies.GASession),
		report.MaskToken(job.Cookies.CISession))
}

func emptyCredentialText(site store.Site) string {
	return "[Jadwal " + site.Label + "] ci_session kosong/expired. Update cookies job lalu jadwalkan ulang."
}

func expiredHintText(name string) string {
	return "Update cookies job lalu ubah waktu eksekusi untuk menjadwalkan ulang.\nJob: " + name
}

func (o *Orchestrator) pollingStartedText(site store.Site) string {
	interval := o.settings.PollInterval.Std()
	cadence := fmt.Sprintf("per %ds", int(interval.Seconds()))
	if interval == time.Minute {
		cadence = "per menit"
	}
	return fmt.Sprintf("[Jadwal %s] Polling %s diaktifkan (max %s).",
		site.Label, cadence, spanLabel(o.settings.PollMax.Std()))
}

func pollStatusText(site store.Site, status string, ticks int, interval time.Duration) string {
	return fmt.Sprintf("[Polling %s] %s (percobaan %d, interval %ds)",
		site.Label, status, ticks, int(interval.Seconds()))
}

func (o *Orchestrator) pollStopText(site store.Site, ticks int) string {
	minutes := int(o.settings.PollMax.Std().Minutes())
	return fmt.Sprintf("[Polling %s] Dihentikan setelah ~%d menit / %d percobaan. Ubah waktu eksekusi untuk menjadwalkan ulang.",
		site.Label, minutes, ticks)
}

func quotaFoundText(site store.Site, quota int) string {
	return fmt.Sprintf("[Polling %s] Kuota tersedia: %d — eksekusi booking sekarang.", site.Label, quota)
}

func unavailableStatus(row *probe.CapacityRow) string {
	return fmt.Sprintf("%s\nKuota: %d → Habis / Tidak tersedia", row.DateLabel, row.Quota)
}

// spanLabel renders a duration in whole hours when it divides evenly,
// in minutes otherwise.
func spanLabel(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%d jam", int(d.Hours()))
	}
	return fmt.Sprintf("%d menit", int(d.Minutes()))
}

// outcomeText assembles the result message: verdict, driver message,
// elapsed time and the raw server echo when one was captured.
func outcomeText(tag string, out *protocol.Outcome, err error) string {
	var b strings.Builder
	b.WriteString(tag)
	if err == nil && out != nil && out.Success {
		b.WriteString(" ✅ ")
	} else {
		b.WriteString(" ❌ ")
	}
	switch {
	case out != nil && out.Message != "":
		b.WriteString(out.Message)
	case err != nil:
		b.WriteString(err.Error())
	default:
		b.WriteString("tidak ada hasil")
	}
	if out != nil {
		fmt.Fprintf(&b, "\n\nWaktu proses: %.2f detik", out.Elapsed.Seconds())
		b.WriteString(serverEcho(out.Raw))
	}
	return b.String()
}

// serverEcho formats the final reply's message and link fields for the
// user, with "-" standing in for anything the server left out.
func serverEcho(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Link    string `json:"link"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message == "" {
		body.Message = "-"
	}
	if body.Link == "" {
		body.Link = "-"
	}
	return "\n[Server]\nmessage: " + body.Message + "\nlink: " + body.Link
}
