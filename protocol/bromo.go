package protocol

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// bookBromo runs the single-page Bromo submission: one companion-count
// update when the party has companions, then do_booking.
func (d *Driver) bookBromo(ctx context.Context, page *primedPage, req Request, out *Outcome) error {
	p := req.Bromo
	male, _ := strconv.Atoi(p.Male)
	female, _ := strconv.Atoi(p.Female)
	if male > 0 || female > 0 {
		form := url.Values{}
		form.Set("action", "anggota_update")
		form.Set("secret", page.secret)
		form.Set("id", "")
		form.Set("male", p.Male)
		form.Set("female", p.Female)
		form.Set("id_country", p.CountryID)
		if _, err := d.postAction(ctx, page, form, d.readTimeout); err != nil {
			// Not fatal: do_booking is still worth sending and the
			// server tallies companions on its side.
			d.log.Warnf("anggota_update failed: %v", err)
		}
	}

	data, err := d.submitBooking(ctx, page, d.bromoBookingForm(page, req), out)
	if err != nil {
		return err
	}
	out.Message = fmt.Sprintf("Booking BERHASIL.\nLink: %s\nServer message: %s",
		textOr(out.Link, "(tidak ada link)"), textOr(stringField(data, "message"), "-"))
	return nil
}

// bromoBookingForm is the day-visit do_booking body. Arrival equals
// departure; a Bromo visit does not span the night.
func (d *Driver) bromoBookingForm(page *primedPage, req Request) url.Values {
	p := req.Bromo
	form := url.Values{}
	form.Set("action", "do_booking")
	form.Set("secret", page.secret)
	form.Set("id_sector", itoa(req.Site.Sector))
	form.Set("form_hash", page.formHash)
	form.Set("site", req.Site.Label)
	form.Set("id_gate", p.GateID)
	form.Set("id_vehicle", p.VehicleID)
	form.Set("vehicle_count", p.VehicleCount)
	form.Set("date_depart", req.DateISO)
	form.Set("date_arrival", req.DateISO)
	form.Set("name", p.Name)
	form.Set("id_country", p.CountryID)
	form.Set("birthdate", p.Birthdate)
	form.Set("id_gender", p.GenderID)
	form.Set("id_identity", p.IdentityID)
	form.Set("identity_no", p.IdentityNo)
	form.Set("address", p.Address)
	form.Set("id_province", p.ProvinceID)
	form.Set("id_district", p.DistrictID)
	form.Set("hp", p.Phone)
	form.Set("table-booking-detail_length", "10")
	form.Set("bank", p.Bank)
	form.Set("termsCheckbox", "on")
	return form
}
