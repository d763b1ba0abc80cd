package catalog

import "strings"

const geofabrikFrance = "https://download.geofabrik.de/europe/france/"

// Entry is a downloadable regional road-network extract
type Entry struct {
	Region string  `json:"region"`
	File   string  `json:"file"`
	SizeMB float64 `json:"size_mb"`
}

// URL is where the extract is downloaded from
func (e Entry) URL() string {
	return geofabrikFrance + e.File
}

// France lists the regional extracts published by Geofabrik for France
var France = []Entry{
	{Region: "Alsace", File: "alsace-latest.osm.pbf", SizeMB: 121},
	{Region: "Aquitaine", File: "aquitaine-latest.osm.pbf", SizeMB: 274},
	{Region: "Auvergne", File: "auvergne-latest.osm.pbf", SizeMB: 139},
	{Region: "Basse-Normandie", File: "basse-normandie-latest.osm.pbf", SizeMB: 132},
	{Region: "Bourgogne", File: "bourgogne-latest.osm.pbf", SizeMB: 183},
	{Region: "Bretagne", File: "bretagne-latest.osm.pbf", SizeMB: 305},
	{Region: "Centre", File: "centre-latest.osm.pbf", SizeMB: 222},
	{Region: "Champagne-Ardenne", File: "champagne-ardenne-latest.osm.pbf", SizeMB: 98},
	{Region: "Corse", File: "corse-latest.osm.pbf", SizeMB: 32},
	{Region: "Franche-Comté", File: "franche-comte-latest.osm.pbf", SizeMB: 114},
	{Region: "Guadeloupe", File: "guadeloupe-latest.osm.pbf", SizeMB: 22.4},
	{Region: "Guyane", File: "guyane-latest.osm.pbf", SizeMB: 13.3},
	{Region: "Haute-Normandie", File: "haute-normandie-latest.osm.pbf", SizeMB: 98},
	{Region: "Île-de-France", File: "ile-de-france-latest.osm.pbf", SizeMB: 311},
	{Region: "Languedoc-Roussillon", File: "languedoc-roussillon-latest.osm.pbf", SizeMB: 246},
	{Region: "Limousin", File: "limousin-latest.osm.pbf", SizeMB: 92},
	{Region: "Lorraine", File: "lorraine-latest.osm.pbf", SizeMB: 158},
	{Region: "Martinique", File: "martinique-latest.osm.pbf", SizeMB: 18.7},
	{Region: "Mayotte", File: "mayotte-latest.osm.pbf", SizeMB: 10.1},
	{Region: "Midi-Pyrénées", File: "midi-pyrenees-latest.osm.pbf", SizeMB: 330},
	{Region: "Nord-Pas-de-Calais", File: "nord-pas-de-calais-latest.osm.pbf", SizeMB: 220},
	{Region: "Pays de la Loire", File: "pays-de-la-loire-latest.osm.pbf", SizeMB: 344},
	{Region: "Picardie", File: "picardie-latest.osm.pbf", SizeMB: 124},
	{Region: "Poitou-Charentes", File: "poitou-charentes-latest.osm.pbf", SizeMB: 213},
	{Region: "Provence-Alpes-Côte d’Azur", File: "provence-alpes-cote-d-azur-latest.osm.pbf", SizeMB: 358},
	{Region: "Réunion", File: "reunion-latest.osm.pbf", SizeMB: 32},
	{Region: "Rhône-Alpes", File: "rhone-alpes-latest.osm.pbf", SizeMB: 484},
}

// Lookup finds the catalog entry for a bare file name
func Lookup(file string) (Entry, bool) {
	file = strings.TrimSpace(file)
	for _, e := range France {
		if e.File == file {
			return e, true
		}
	}
	return Entry{}, false
}
