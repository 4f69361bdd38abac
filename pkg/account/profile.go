package account

import (
	"fmt"

	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
	"github.com/google/uuid"
)

var (
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Account", nil)
)

//AuthInfo .
type AuthInfo struct {
	AuthName string
	Realm    string
	Password string
}

// Profile is the registered identity of one account.
type Profile struct {
	URI         sip.Uri
	DisplayName string
	Auth        *AuthInfo
	Expires     uint32
	InstanceID  string
}

//Contact .
func (p *Profile) Contact() *sip.Address {
	contact := &sip.Address{
		Uri:    p.URI.Clone(),
		Params: sip.NewParams(),
	}
	if p.InstanceID != "" {
		contact.Params.Add("+sip.instance", sip.String{Str: p.InstanceID})
	}
	if p.DisplayName != "" {
		contact.DisplayName = sip.String{Str: p.DisplayName}
	}
	return contact
}

//NewProfile .
func NewProfile(
	uri sip.Uri,
	displayName string,
	auth *AuthInfo,
	expires uint32,
) *Profile {
	p := &Profile{
		URI:         uri,
		DisplayName: displayName,
		Auth:        auth,
		Expires:     expires,
	}
	uid, err := uuid.NewUUID()
	if err != nil {
		logger.Errorf("could not create UUID: %v", err)
	}
	p.InstanceID = fmt.Sprintf(`"<%s>"`, uid.URN())
	return p
}

// ProfileFromConfig builds the profile for cfg on the endpoint host.
func ProfileFromConfig(cfg Config, ep Endpoint, expires uint32) *Profile {
	uri := &sip.SipUri{
		FUser: sip.String{Str: cfg.Username},
		FHost: ep.Host,
	}
	if port := utils.StrToUint16(ep.Port); port != 0 {
		p := sip.Port(port)
		uri.FPort = &p
	}
	return NewProfile(uri, cfg.DisplayName, &AuthInfo{
		AuthName: cfg.Username,
		Password: cfg.Password,
	}, expires)
}

//RegisterState .
type RegisterState struct {
	Account    Profile
	StatusCode sip.StatusCode
	Reason     string
	Expiration uint32
	Response   sip.Response
}

//RegisterHandler .
type RegisterHandler func(regState RegisterState)
