package refrange

import "strings"

// builtinSpeciesAliases covers the spellings seen from clients, including
// UTF-8 text that was decoded as Latin-1 somewhere upstream ("CÃ£o").
var builtinSpeciesAliases = map[string]string{
	"canine":   "canine",
	"canino":   "canine",
	"canina":   "canine",
	"cão":      "canine",
	"cao":      "canine",
	"cães":     "canine",
	"cachorro": "canine",
	"dog":      "canine",
	"cã£o":     "canine",
	"cãƒâ£o":   "canine",

	"feline": "feline",
	"felino": "feline",
	"felina": "feline",
	"gato":   "feline",
	"gata":   "feline",
	"cat":    "feline",
}

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "ê", "e", "è", "e",
	"í", "i", "î", "i",
	"ó", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "û", "u", "ü", "u",
	"ç", "c",
)

// fold lower-cases s, trims it and strips Portuguese diacritics.
func fold(s string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(s)))
}
