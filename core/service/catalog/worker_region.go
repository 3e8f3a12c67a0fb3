package catalog

import (
	"strings"

	"billscan_worker/pkg/textnorm"
)

// Region codes.
const (
	RegionCordoba     = "CBA"
	RegionBuenosAires = "BA"
	RegionCABA        = "CABA"
	RegionSantaFe     = "SF"
	RegionMendoza     = "MZA"
	RegionTucuman     = "TUC"
	RegionEntreRios   = "ER"
	RegionSanLuis     = "SL"
)

var regionCities = map[string][]string{
	RegionCordoba: {
		"cordoba", "villa carlos paz", "rio cuarto", "villa maria", "alta gracia",
		"jesus maria", "san francisco", "rio tercero", "cosquin", "la calera",
	},
	RegionBuenosAires: {
		"provincia de buenos aires", "la plata", "mar del plata", "bahia blanca",
		"quilmes", "lanus", "lomas de zamora", "moron", "san isidro", "tigre",
		"pilar", "avellaneda", "la matanza", "merlo", "tandil", "vicente lopez",
		"san martin", "escobar", "olavarria", "junin",
	},
	RegionCABA: {
		"caba", "capital federal", "ciudad autonoma de buenos aires", "buenos aires",
		"ciudad de buenos aires", "palermo", "belgrano", "caballito", "recoleta",
	},
	RegionSantaFe: {
		"santa fe", "rosario", "rafaela", "venado tuerto", "reconquista", "santo tome",
	},
	RegionMendoza: {
		"mendoza", "godoy cruz", "guaymallen", "las heras", "maipu", "lujan de cuyo",
		"san rafael",
	},
	RegionTucuman: {
		"tucuman", "san miguel de tucuman", "yerba buena", "tafi viejo",
	},
	RegionEntreRios: {
		"entre rios", "parana", "concordia", "gualeguaychu",
	},
	RegionSanLuis: {
		"san luis", "villa mercedes", "merlo san luis",
	},
}

var cityIndex = func() map[string]string {
	idx := make(map[string]string)
	for region, cities := range regionCities {
		for _, c := range cities {
			idx[c] = region
		}
	}
	return idx
}()

// KnownRegion reports whether code is a region code.
func KnownRegion(code string) bool {
	_, ok := regionCities[code]
	return ok
}

// ResolveRegion maps a free-form locale ("Córdoba", "Rosario, Santa Fe", "CABA")
// to a region code. Unknown locales resolve to "".
func ResolveRegion(locale string) string {
	if code := strings.ToUpper(strings.TrimSpace(locale)); KnownRegion(code) {
		return code
	}
	for _, part := range strings.Split(locale, ",") {
		key := textnorm.Fold(part)
		if key == "" {
			continue
		}
		if region, ok := cityIndex[key]; ok {
			return region
		}
		key = strings.TrimPrefix(key, "provincia de ")
		if region, ok := cityIndex[key]; ok {
			return region
		}
	}
	return ""
}
