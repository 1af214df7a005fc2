package portal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"furitingoasis/farmnode/website/internal/validator"
)

func ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

func captive(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

func (p *Portal) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data := map[string]string{}
	if p.Status != nil {
		data = p.Status()
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		p.logger.Debug("writing status", "error", err)
	}
}

type settingsForm struct {
	SSID                string `form:"ssid"`
	Password            string `form:"password"`
	MQTTServer          string `form:"mqtt_server"`
	MQTTPort            string `form:"mqtt_port"`
	DeviceID            string `form:"device_id"`
	validator.Validator `form:"-"`
}

func (p *Portal) home(w http.ResponseWriter, r *http.Request) {
	form := settingsForm{MQTTPort: "1883"}
	if p.Current != nil {
		cur := p.Current()
		form.MQTTServer = cur.Host
		if cur.Port > 0 {
			form.MQTTPort = strconv.Itoa(cur.Port)
		}
		form.DeviceID = cur.DeviceID
	}
	data := p.newTemplateData(r)
	data.Form = form
	p.render(w, r, http.StatusOK, "home.html", data)
}

func (p *Portal) settingsPost(w http.ResponseWriter, r *http.Request) {
	var form settingsForm
	if err := p.decodePostForm(r, &form); err != nil {
		p.clientError(w, http.StatusBadRequest)
		return
	}
	form.SSID = strings.TrimSpace(form.SSID)
	form.MQTTServer = strings.TrimSpace(form.MQTTServer)
	form.DeviceID = strings.TrimSpace(form.DeviceID)

	form.CheckField(validator.NotBlank(form.SSID), "ssid", "This field cannot be blank")
	form.CheckField(validator.MaxChars(form.SSID, 32), "ssid", "This field cannot be more than 32 characters long")
	form.CheckField(validator.EmptyOrMinChars(form.Password, 8), "password", "This field must be blank or at least 8 characters long")
	form.CheckField(validator.MaxChars(form.Password, 63), "password", "This field cannot be more than 63 characters long")
	form.CheckField(validator.NotBlank(form.MQTTServer), "mqtt_server", "This field cannot be blank")
	form.CheckField(validator.MaxChars(form.MQTTServer, 40), "mqtt_server", "This field cannot be more than 40 characters long")
	port, err := strconv.Atoi(strings.TrimSpace(form.MQTTPort))
	form.CheckField(err == nil && validator.Between(port, 1, 65535), "mqtt_port", "This field must be a port number")
	form.CheckField(validator.NotBlank(form.DeviceID), "device_id", "This field cannot be blank")
	form.CheckField(validator.MaxChars(form.DeviceID, 32), "device_id", "This field cannot be more than 32 characters long")
	form.CheckField(validator.Matches(form.DeviceID, validator.DeviceIDRX), "device_id", "Only letters, digits, dash and underscore are allowed")

	if !form.Valid() {
		data := p.newTemplateData(r)
		form.Password = ""
		data.Form = form
		p.render(w, r, http.StatusUnprocessableEntity, "home.html", data)
		return
	}

	sub := submission{
		ssid:     form.SSID,
		password: form.Password,
		broker:   BrokerSettings{Host: form.MQTTServer, Port: port, DeviceID: form.DeviceID},
	}
	select {
	case p.submissions <- sub:
	default:
		p.clientError(w, http.StatusServiceUnavailable)
		return
	}

	p.sessionManager.Put(r.Context(), "flash", "Settings saved. Joining "+form.SSID+", this page will stop responding if it succeeds.")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type userLoginForm struct {
	Password            string `form:"password"`
	validator.Validator `form:"-"`
}

func (p *Portal) userLogin(w http.ResponseWriter, r *http.Request) {
	if p.cfg.AdminPasswordHash == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	data := p.newTemplateData(r)
	data.Form = userLoginForm{}
	p.render(w, r, http.StatusOK, "login.html", data)
}

func (p *Portal) userLoginPost(w http.ResponseWriter, r *http.Request) {
	if p.cfg.AdminPasswordHash == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	var form userLoginForm
	if err := p.decodePostForm(r, &form); err != nil {
		p.clientError(w, http.StatusBadRequest)
		return
	}

	form.CheckField(validator.NotBlank(form.Password), "password", "This field cannot be blank")
	if form.Valid() {
		err := bcrypt.CompareHashAndPassword([]byte(p.cfg.AdminPasswordHash), []byte(form.Password))
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			form.AddNonFieldError("Password is incorrect")
		case err != nil:
			p.serverError(w, r, err)
			return
		}
	}
	if !form.Valid() {
		data := p.newTemplateData(r)
		form.Password = ""
		data.Form = form
		p.render(w, r, http.StatusUnprocessableEntity, "login.html", data)
		return
	}

	if err := p.sessionManager.RenewToken(r.Context()); err != nil {
		p.serverError(w, r, err)
		return
	}
	p.sessionManager.Put(r.Context(), sessionAuthenticated, true)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (p *Portal) userLogoutPost(w http.ResponseWriter, r *http.Request) {
	if err := p.sessionManager.RenewToken(r.Context()); err != nil {
		p.serverError(w, r, err)
		return
	}
	p.sessionManager.Remove(r.Context(), sessionAuthenticated)
	p.sessionManager.Put(r.Context(), "flash", "You've been logged out successfully!")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
