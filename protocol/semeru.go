package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/store"
)

// bookSemeru builds the climb manifest row by row and submits it. Three
// server rejections have scripted recoveries:
//
//	"maksimal 9" on the opening member_update: a stale roster from an
//	earlier secret is attached. Mint a fresh session (fresh secret) and
//	restart the roster once.
//
//	"minimal 2" on do_booking: the opening row never landed. Re-add it
//	and submit once more.
//
//	"identitas ganda" on do_booking: leftover rows collide with the
//	planned identities. Enumerate the server roster, delete every row,
//	rebuild the manifest, revalidate and submit once more.
func (d *Driver) bookSemeru(ctx context.Context, page *primedPage, req Request, out *Outcome) error {
	members := req.Semeru.Members

	// The opening row doubles as a probe of the secret's roster state.
	if err := d.addMember(ctx, page, members[0]); err != nil {
		if !IsRosterSaturation(err) || req.Rebuild == nil {
			return err
		}
		d.log.Warnf("roster saturated on the opening member, rebuilding session: %v", err)
		fresh, rerr := d.rebuildPage(ctx, req)
		if rerr != nil {
			return rerr
		}
		page = fresh
		if err := d.addMember(ctx, page, members[0]); err != nil {
			return err
		}
	}
	out.MembersAdded = 1

	for _, m := range members[1:] {
		if err := d.memberPace.Wait(ctx); err != nil {
			return &TransientError{Op: "member pacing", Err: err}
		}
		if err := d.addMember(ctx, page, m); err != nil {
			if IsRosterSaturation(err) {
				d.log.Warnf("server capped the roster after %d members", out.MembersAdded)
				break
			}
			return err
		}
		out.MembersAdded++
	}

	// Revalidate with the roster in place before the final submit.
	if _, err := d.postAction(ctx, page, d.tokenForm("validate_booking", page), d.readTimeout); err != nil {
		return err
	}

	data, err := d.submitBooking(ctx, page, d.semeruBookingForm(page, req), out)
	switch {
	case err == nil:
	case IsMinRoster(err):
		d.log.Warnf("party below minimum on do_booking, re-adding the opening member: %v", err)
		if aerr := d.addMember(ctx, page, members[0]); aerr != nil {
			return aerr
		}
		data, err = d.submitBooking(ctx, page, d.semeruBookingForm(page, req), out)
	case IsDuplicateIdentity(err):
		d.log.Warnf("duplicate identities on do_booking, purging the server roster: %v", err)
		if perr := d.rebuildRoster(ctx, page, members, out); perr != nil {
			return perr
		}
		data, err = d.submitBooking(ctx, page, d.semeruBookingForm(page, req), out)
	}
	if err != nil {
		out.Message = fmt.Sprintf("Booking Semeru GAGAL %s: %v", maskSecret(page.secret), err)
		return err
	}

	out.Message = fmt.Sprintf("Booking Semeru BERHASIL.\nAnggota ditambahkan: %d\nLink: %s\nServer: %s",
		out.MembersAdded, textOr(out.Link, "-"), textOr(stringField(data, "message"), "-"))
	return nil
}

// addMember posts one member_update row. Rejections are classified so
// saturation is distinguishable from plain validation trouble.
func (d *Driver) addMember(ctx context.Context, page *primedPage, m store.SemeruMember) error {
	form := url.Values{}
	form.Set("action", "member_update")
	form.Set("id", "")
	form.Set("nama", m.Name)
	form.Set("birthdate", m.Birthdate)
	form.Set("anggota_setuju", m.Setuju)
	form.Set("id_gender", m.GenderID)
	form.Set("alamat", m.Address)
	form.Set("id_identity", m.IdentityID)
	form.Set("identity_no", m.IdentityNo)
	form.Set("hp_member", m.MemberPhone)
	form.Set("hp_keluarga", m.FamilyPhone)
	form.Set("id_job", m.JobID)
	form.Set("id_country", m.CountryID)
	form.Set("secret", page.secret)
	form.Set("form_hash", page.formHash)

	reply, err := d.postAction(ctx, page, form, d.readTimeout)
	if err != nil {
		return err
	}
	data, err := decodeAction(reply)
	if err != nil {
		return err
	}
	if !statusTrue(data) {
		return classifyRejection(serverMessage(data, reply.Body), json.RawMessage(reply.Body))
	}
	return nil
}

// rebuildPage mints a replacement session through the request's Rebuild
// hook and walks it through page open and priming. The new secret
// arrives with no server-side roster attached.
func (d *Driver) rebuildPage(ctx context.Context, req Request) (*primedPage, error) {
	sess, err := req.Rebuild(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.openPage(ctx, sess, req.Site, req.DateISO)
}

// rebuildRoster deletes every server-side row under the page's secret,
// re-adds the planned members and revalidates.
func (d *Driver) rebuildRoster(ctx context.Context, page *primedPage, members []store.SemeruMember, out *Outcome) error {
	rows, err := d.roster.RosterRows(ctx, page.sess, page.secret, page.pageURL)
	if err != nil {
		return trace.Wrap(err)
	}
	deleted := 0
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		form := url.Values{}
		form.Set("action", "member_delete")
		form.Set("id", row.ID)
		form.Set("secret", page.secret)
		if _, err := d.postAction(ctx, page, form, d.readTimeout); err != nil {
			return err
		}
		deleted++
	}
	d.log.Infof("purged %d roster rows under %s", deleted, maskSecret(page.secret))

	out.MembersAdded = 0
	for _, m := range members {
		if err := d.memberPace.Wait(ctx); err != nil {
			return &TransientError{Op: "member pacing", Err: err}
		}
		if err := d.addMember(ctx, page, m); err != nil {
			if IsRosterSaturation(err) {
				break
			}
			return err
		}
		out.MembersAdded++
	}
	if out.MembersAdded == 0 {
		return trace.BadParameter("protocol: no member landed after the roster purge")
	}
	_, err = d.postAction(ctx, page, d.tokenForm("validate_booking", page), d.readTimeout)
	return err
}

// semeruBookingForm is the climb do_booking body. Arrival is the day
// after departure; the portal models the climb as one night.
func (d *Driver) semeruBookingForm(page *primedPage, req Request) url.Values {
	l := req.Semeru.Leader
	form := url.Values{}
	form.Set("action", "do_booking")
	form.Set("secret", page.secret)
	form.Set("id_sector", itoa(req.Site.Sector))
	form.Set("date_depart", req.DateISO)
	form.Set("date_arrival", nextDay(req.DateISO))
	form.Set("pendamping", l.Pendamping)
	form.Set("organisasi", l.Organisasi)
	form.Set("name", l.Name)
	form.Set("id_country", l.CountryID)
	form.Set("birthdate", l.Birthdate)
	form.Set("leader_setuju", l.LeaderSetuju)
	form.Set("id_gender", l.GenderID)
	form.Set("id_identity", l.IdentityID)
	form.Set("identity_no", l.IdentityNo)
	form.Set("address", l.Address)
	form.Set("id_province", l.ProvinceID)
	form.Set("id_district", l.DistrictID)
	form.Set("hp", l.Phone)
	form.Set("table-member_length", "10")
	form.Set("bank", l.Bank)
	form.Set("termsCheckbox", "on")
	form.Set("form_hash", page.formHash)
	return form
}

func nextDay(dateISO string) string {
	t, err := time.Parse("2006-01-02", dateISO)
	if err != nil {
		return dateISO
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02")
}

func maskSecret(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}
