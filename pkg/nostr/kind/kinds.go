package kind

// T - which will be externally referenced as kind.T is the event type in the
// nostr protocol. Only the kinds that signet produces or consumes are listed.
type T uint16

func (ki T) ToInt() int       { return int(ki) }
func (ki T) ToUint16() uint16 { return uint16(ki) }

// FromInt converts a go-nostr event kind. Values outside the 16 bit range are
// reported as not ok.
func FromInt(i int) (k T, ok bool) {
	if i < 0 || i > 65535 {
		return
	}
	return T(i), true
}

const (
	// ProfileMetadata stores user profile data, names, bio, lightning
	// address.
	ProfileMetadata T = 0
	// FollowList is the list of pubkeys a user follows.
	FollowList T = 3
	// EncryptedDirectMessage is a legacy direct message, content encrypted
	// with the legacy scheme.
	EncryptedDirectMessage T = 4
	// Seal wraps a rumor, signed by the real sender and encrypted to the
	// recipient.
	Seal T = 13
	// PrivateDirectMessage is the unsigned rumor at the centre of a gift wrap.
	PrivateDirectMessage T = 14
	Rumor                T = 14
	// GiftWrap is the outer envelope, signed by a one-time key.
	GiftWrap T = 1059
	// NWCWalletInfo is a replaceable event where a wallet service lists the
	// methods it supports.
	NWCWalletInfo T = 13194
	// EncryptedBackup holds an encrypted copy of wallet state for the owner.
	EncryptedBackup T = 17375
	// NWCWalletRequest is a wallet connect request to a wallet service.
	NWCWalletRequest T = 23194
	// NWCWalletResponse is the wallet service's reply.
	NWCWalletResponse T = 23195
	// NostrConnect carries remote signer requests and responses.
	NostrConnect T = 24133
	// RoundData is application-specific addressable data.
	RoundData T = 30078
)

var Map = map[T]string{
	ProfileMetadata:        "ProfileMetadata",
	FollowList:             "FollowList",
	EncryptedDirectMessage: "EncryptedDirectMessage",
	Seal:                   "Seal",
	PrivateDirectMessage:   "PrivateDirectMessage",
	GiftWrap:               "GiftWrap",
	NWCWalletInfo:          "NWCWalletInfo",
	EncryptedBackup:        "EncryptedBackup",
	NWCWalletRequest:       "NWCWalletRequest",
	NWCWalletResponse:      "NWCWalletResponse",
	NostrConnect:           "NostrConnect",
	RoundData:              "RoundData",
}

func (ki T) Name() string {
	if n, ok := Map[ki]; ok {
		return n
	}
	return "Unknown"
}

func (ki T) IsReplaceable() bool {
	return ki == ProfileMetadata || ki == FollowList ||
		(ki >= 10000 && ki < 20000)
}

func (ki T) IsEphemeral() bool {
	return ki >= 20000 && ki < 30000
}

func (ki T) IsParameterizedReplaceable() bool {
	return ki >= 30000 && ki < 40000
}
