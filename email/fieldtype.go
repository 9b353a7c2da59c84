package email

import "time"

// FieldType classifies a header field by its well-known RFC 5322/MIME
// name. Header fields whose name is not in this catalogue classify as
// FieldOther and carry their verbatim name in HeaderField.Name.
type FieldType int

const (
	FieldOther FieldType = iota
	FieldFrom
	FieldSender
	FieldReplyTo
	FieldTo
	FieldCC
	FieldBCC
	FieldMessageID
	FieldInReplyTo
	FieldReferences
	FieldDate
	FieldSubject
	FieldMIMEVersion
	FieldContentType
	FieldContentTransferEncoding
	FieldContentDisposition
	FieldContentDescription
	FieldContentID
	FieldContentLanguage
	FieldContentLocation
	FieldReceived
	FieldResentFrom
	FieldResentSender
	FieldResentTo
	FieldResentCC
	FieldResentBCC
	FieldResentDate
	FieldResentMessageID
)

func (t FieldType) String() string {
	switch t {
	case FieldFrom:
		return "From"
	case FieldSender:
		return "Sender"
	case FieldReplyTo:
		return "Reply-To"
	case FieldTo:
		return "To"
	case FieldCC:
		return "Cc"
	case FieldBCC:
		return "Bcc"
	case FieldMessageID:
		return "Message-Id"
	case FieldInReplyTo:
		return "In-Reply-To"
	case FieldReferences:
		return "References"
	case FieldDate:
		return "Date"
	case FieldSubject:
		return "Subject"
	case FieldMIMEVersion:
		return "MIME-Version"
	case FieldContentType:
		return "Content-Type"
	case FieldContentTransferEncoding:
		return "Content-Transfer-Encoding"
	case FieldContentDisposition:
		return "Content-Disposition"
	case FieldContentDescription:
		return "Content-Description"
	case FieldContentID:
		return "Content-Id"
	case FieldContentLanguage:
		return "Content-Language"
	case FieldContentLocation:
		return "Content-Location"
	case FieldReceived:
		return "Received"
	case FieldResentFrom:
		return "Resent-From"
	case FieldResentSender:
		return "Resent-Sender"
	case FieldResentTo:
		return "Resent-To"
	case FieldResentCC:
		return "Resent-Cc"
	case FieldResentBCC:
		return "Resent-Bcc"
	case FieldResentDate:
		return "Resent-Date"
	case FieldResentMessageID:
		return "Resent-Message-Id"
	default:
		return "Other"
	}
}

// fieldTypesByKey maps a CanonicalKey to its FieldType. Built from the
// same canonicalization table CanonicalKey itself uses, so an entry
// here implies the matching case already exists in CanonicalKey.
var fieldTypesByKey = map[Key]FieldType{
	"From":                      FieldFrom,
	"Sender":                    FieldSender,
	"Reply-To":                  FieldReplyTo,
	"To":                        FieldTo,
	"CC":                        FieldCC,
	"Bcc":                       FieldBCC,
	"Message-ID":                FieldMessageID,
	"In-Reply-To":               FieldInReplyTo,
	"References":                FieldReferences,
	"Date":                      FieldDate,
	"Subject":                   FieldSubject,
	"MIME-Version":              FieldMIMEVersion,
	"Content-Type":              FieldContentType,
	"Content-Transfer-Encoding": FieldContentTransferEncoding,
	"Content-Disposition":       FieldContentDisposition,
	"Content-Description":       FieldContentDescription,
	"Content-ID":                FieldContentID,
	"Content-Language":         FieldContentLanguage,
	"Content-Location":         FieldContentLocation,
	"Received":                 FieldReceived,
	"Resent-From":              FieldResentFrom,
	"Resent-Sender":            FieldResentSender,
	"Resent-To":                FieldResentTo,
	"Resent-Cc":                FieldResentCC,
	"Resent-Bcc":               FieldResentBCC,
	"Resent-Date":              FieldResentDate,
	"Resent-Message-Id":        FieldResentMessageID,
}

// ClassifyField maps a canonical header key to its FieldType, the
// first step of the header field taxonomy. Names outside the closed
// catalogue classify as FieldOther and must be registered by name
// (see the injector's field-name helper-row creator) rather than by
// a fixed enum value.
func ClassifyField(name Key) FieldType {
	if t, ok := fieldTypesByKey[name]; ok {
		return t
	}
	return FieldOther
}

// IsAddressField reports whether a field type's value is a list of
// Address values rather than plain text.
func IsAddressField(t FieldType) bool {
	switch t {
	case FieldFrom, FieldSender, FieldReplyTo, FieldTo, FieldCC, FieldBCC,
		FieldResentFrom, FieldResentSender, FieldResentTo, FieldResentCC, FieldResentBCC:
		return true
	}
	return false
}

// ContentTypeValue is the parsed form of a Content-Type field.
type ContentTypeValue struct {
	Type    string
	Subtype string
	// Params is keyed case-insensitively (lower-cased keys); values are
	// RFC 2231-decoded.
	Params map[string]string
}

// HeaderField is a header entry classified and, where the type calls
// for it, semantically parsed. Position is the 1-based ordinal of
// this field among fields sharing the same Name in its Header,
// matching RFC 5322's allowance for repeated field names (e.g.
// multiple Received fields).
type HeaderField struct {
	Name     Key
	Type     FieldType
	Raw      []byte
	Position int

	Addresses   []Address         // set when IsAddressField(Type)
	Date        time.Time         // set when Type == FieldDate
	ContentType *ContentTypeValue // set when Type == FieldContentType
}
