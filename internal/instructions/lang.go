package instructions

import "golang.org/x/text/language"

// supported lists the document languages; the first entry is the fallback.
var supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
}

var titles = map[language.Tag]map[string]string{
	language.English: {
		"title":           "Instructions",
		"overview":        "Overview",
		"materials":       "Materials",
		"preparation":     "Preparation",
		"assembly":        "Assembly",
		"pattern":         "Pattern",
		"technique":       "Techniques",
		"troubleshooting": "Troubleshooting",
		"finishing":       "Finishing",
		"tips":            "Tips",
	},
	language.Spanish: {
		"title":           "Instrucciones",
		"overview":        "Resumen",
		"materials":       "Materiales",
		"preparation":     "Preparación",
		"assembly":        "Montaje",
		"pattern":         "Patrón",
		"technique":       "Técnicas",
		"troubleshooting": "Solución de problemas",
		"finishing":       "Acabado",
		"tips":            "Consejos",
	},
	language.French: {
		"title":           "Instructions",
		"overview":        "Aperçu",
		"materials":       "Matériel",
		"preparation":     "Préparation",
		"assembly":        "Assemblage",
		"pattern":         "Modèle",
		"technique":       "Techniques",
		"troubleshooting": "Dépannage",
		"finishing":       "Finitions",
		"tips":            "Conseils",
	},
	language.German: {
		"title":           "Anleitung",
		"overview":        "Überblick",
		"materials":       "Material",
		"preparation":     "Vorbereitung",
		"assembly":        "Zusammensetzen",
		"pattern":         "Muster",
		"technique":       "Techniken",
		"troubleshooting": "Fehlerbehebung",
		"finishing":       "Fertigstellung",
		"tips":            "Tipps",
	},
}

func titlesFor(tag language.Tag) map[string]string {
	if t, ok := titles[tag]; ok {
		return t
	}
	return titles[language.English]
}
