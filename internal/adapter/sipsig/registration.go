package sipsig

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	defaultExpires = 3600
	minExpires     = 60
)

// Status codes sipgo does not name, per RFC 3261.
const (
	StatusRinging           sip.StatusCode = 180
	StatusForbidden         sip.StatusCode = 403
	StatusNotFound          sip.StatusCode = 404
	StatusRequestTimeout    sip.StatusCode = 408
	StatusIntervalTooBrief  sip.StatusCode = 423
	StatusRequestTerminated sip.StatusCode = 487
	StatusServiceUnavail    sip.StatusCode = 503
	StatusDecline           sip.StatusCode = 603
)

// handleRegister enforces the registrar policy: registrar enabled at all,
// realm check against the configured domain, and optional To-domain
// rewriting when the forced-domain flag is set.
func (a *Adapter) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if !a.cfg.SIPRegistrar {
		a.respond(tx, req, StatusForbidden, "Registrar Disabled", nil)
		return
	}

	to := req.To()
	if to == nil {
		a.respond(tx, req, sip.StatusBadRequest, "Missing To header", nil)
		return
	}

	aorURI := to.Address
	if a.cfg.SIPRegistrarForceDomain && a.cfg.SIPDomain != "" {
		aorURI.Host = a.cfg.SIPDomain
	} else if a.cfg.SIPDomain != "" && aorURI.Host != a.cfg.SIPDomain {
		a.respond(tx, req, StatusForbidden, "Invalid Domain", nil)
		return
	}
	aor := aorURI.User + "@" + aorURI.Host

	expires := expiresOf(req)
	if expires > 0 && expires < minExpires {
		a.respond(tx, req, StatusIntervalTooBrief, "Interval Too Brief", nil)
		return
	}

	contacts := req.GetHeaders("Contact")
	if len(contacts) == 0 {
		// Query: answered with a bare 200 OK; no Contact list is returned
		// and the bindings are left unchanged.
		a.respond(tx, req, sip.StatusOK, "OK", nil)
		return
	}

	for _, hdr := range contacts {
		contact, ok := hdr.(*sip.ContactHeader)
		if !ok {
			continue
		}
		if contact.Address.String() == "*" {
			if expires != 0 {
				a.respond(tx, req, sip.StatusBadRequest, "Expires must be 0 for Contact: *", nil)
				return
			}
			a.location.Unregister(aor)
			a.respond(tx, req, sip.StatusOK, "OK", nil)
			return
		}

		q := float32(1.0)
		if v, ok := contact.Params.Get("q"); ok {
			if f, err := strconv.ParseFloat(v, 32); err == nil {
				q = float32(f)
			}
		}
		ttl := time.Duration(expires) * time.Second
		a.location.Register(aor, contact.Address.String(), q, ttl)
	}

	slog.Debug("[SIP] REGISTER processed", "aor", aor, "expires", expires, "source", req.Source())
	a.respond(tx, req, sip.StatusOK, "OK", nil)
}

// expiresOf reads the Expires header, defaulting per RFC 3261.
func expiresOf(req *sip.Request) int {
	if hdr := req.GetHeader("Expires"); hdr != nil {
		if n, err := strconv.Atoi(hdr.Value()); err == nil {
			return n
		}
	}
	return defaultExpires
}
