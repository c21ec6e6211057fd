package completion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Tone is a binary modifier applied on top of the reply style.
type Tone int

const (
	Accept Tone = iota
	Reject
)

func (t Tone) String() string {
	if t == Reject {
		return "reject"
	}
	return "accept"
}

// MarshalText renders the tone by name in JSON payloads.
func (t Tone) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTone accepts "accept" or "reject".
func ParseTone(s string) (Tone, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return Accept, nil
	case "reject":
		return Reject, nil
	}
	return Accept, fmt.Errorf("unknown tone %q", s)
}

// Variant is one of the fixed reply styles.
type Variant string

const (
	Formal    Variant = "formal"
	Playful   Variant = "playful"
	Friendly  Variant = "friendly"
	Sarcastic Variant = "sarcastic"
	Demanding Variant = "demanding"
)

// Variants lists every style in display order.
var Variants = []Variant{Formal, Playful, Friendly, Sarcastic, Demanding}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Variants {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Templates is the fixed wording a prompt is assembled from, plus the labels
// the control surface shows.
type Templates struct {
	Locale          string
	QuoteMarker     string
	Preamble        string
	RejectQualifier string
	Formatting      string
	ThreadLabel     string
	AnswerCue       string
	Fragments       map[Variant]string

	// Surface labels.
	AcceptLabel   string
	RejectLabel   string
	VariantLabels map[Variant]string
	LoadingFormat string // fmt verb receives the variant label
	ErrorFormat   string // fmt verb receives the error text
}

var locales = map[string]Templates{
	"nb": {
		Locale:          "nb",
		QuoteMarker:     "Fra: ",
		Preamble:        "Her kommer en e-post jeg har mottatt.",
		RejectQualifier: "Jeg er ikke interessert i det motparten tilbyr for øyeblikket",
		Formatting:      "Kan du hjelpe meg med å svare? Bruk avsnitt før signaturen.",
		ThreadLabel:     "E-post:",
		AnswerCue:       "Svar:",
		Fragments: map[Variant]string{
			Formal:    "Svaret skal være formelt, og passe i jobbsammenheng",
			Playful:   "Svaret skal være lekent, morsomt, og inneholde emojis. Inkluder gjerne en vits som er relevant til svaret",
			Friendly:  "Svaret skal være vennlig, med en hyggelig tone",
			Demanding: "Svaret skal være krevende, og inneholde en utfordring. Gjerne still flere spørsmål enn du svarer på",
			Sarcastic: "Svaret skal være sarkastisk, og inneholde en ironisk tone. Vær kjempefrekk, og anklagende mot den som har sendt e-posten",
		},
		AcceptLabel: "Godta",
		RejectLabel: "Avslå",
		VariantLabels: map[Variant]string{
			Formal:    "Formell 💼",
			Playful:   "Lekent 😜",
			Friendly:  "Vennlig 👭",
			Sarcastic: "Sarkastisk 😑",
			Demanding: "Krevende 🤓",
		},
		LoadingFormat: "Laster et %s svar...",
		ErrorFormat:   "Kunne ikke lage svar: %s",
	},
	"en": {
		Locale:          "en",
		QuoteMarker:     "From: ",
		Preamble:        "Here is an email I have received.",
		RejectQualifier: "I am not interested in what the other party is offering at the moment",
		Formatting:      "Can you help me reply? Use paragraphs before the signature.",
		ThreadLabel:     "Email:",
		AnswerCue:       "Reply:",
		Fragments: map[Variant]string{
			Formal:    "The reply should be formal and suitable in a work context",
			Playful:   "The reply should be playful, funny, and contain emojis. Feel free to include a joke relevant to the reply",
			Friendly:  "The reply should be friendly, with a pleasant tone",
			Demanding: "The reply should be demanding and contain a challenge. Preferably ask more questions than you answer",
			Sarcastic: "The reply should be sarcastic with an ironic tone. Be very cheeky and accusatory towards the sender",
		},
		AcceptLabel: "Accept",
		RejectLabel: "Decline",
		VariantLabels: map[Variant]string{
			Formal:    "Formal 💼",
			Playful:   "Playful 😜",
			Friendly:  "Friendly 👭",
			Sarcastic: "Sarcastic 😑",
			Demanding: "Demanding 🤓",
		},
		LoadingFormat: "Loading a %s reply...",
		ErrorFormat:   "Could not generate a reply: %s",
	},
}

// Locales returns the built-in locale names.
func Locales() []string {
	out := make([]string, 0, len(locales))
	for k := range locales {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TemplatesFor returns the wording for locale.
func TemplatesFor(locale string) (Templates, error) {
	t, ok := locales[strings.ToLower(locale)]
	if !ok {
		return Templates{}, fmt.Errorf("unknown prompt locale %q (have %s)", locale, strings.Join(Locales(), ", "))
	}
	return t, nil
}

// Label is the button text for v, falling back to the variant name.
func (t Templates) Label(v Variant) string {
	if l, ok := t.VariantLabels[v]; ok {
		return l
	}
	return string(v)
}

// Request is one user action: the captured thread, the tone and the style.
// It is not modified after NewRequest.
type Request struct {
	ID            string  `json:"id"`
	ThreadContent string  `json:"-"`
	Tone          Tone    `json:"tone"`
	Variant       Variant `json:"variant"`
}

// NewRequest stamps a request with a fresh id.
func NewRequest(thread string, tone Tone, v Variant) Request {
	return Request{
		ID:            uuid.NewString(),
		ThreadContent: thread,
		Tone:          tone,
		Variant:       v,
	}
}

// Prompt composes the instruction: preamble, the reject qualifier when the
// tone is Reject, the formatting instruction, the style fragment, then the
// thread text verbatim. Nothing in the thread is escaped.
func (r Request) Prompt(t Templates) string {
	var b strings.Builder
	b.WriteString(t.Preamble)
	b.WriteString(" ")
	if r.Tone == Reject {
		b.WriteString(t.RejectQualifier)
	}
	b.WriteString(" ")
	b.WriteString(t.Formatting)
	b.WriteString(" ")
	b.WriteString(t.Fragments[r.Variant])
	b.WriteString("\n")
	b.WriteString(t.ThreadLabel)
	b.WriteString(" ")
	b.WriteString(r.ThreadContent)
	b.WriteString("\n")
	b.WriteString(t.AnswerCue)
	return b.String()
}
