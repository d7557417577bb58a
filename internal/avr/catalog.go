package avr

import "sort"

// InputCategory classifies an input by the kind of source behind it.
// Values match the input source types used by home-automation hubs.
type InputCategory int

// Input categories.
const (
	CategoryOther InputCategory = iota
	CategoryHomeScreen
	CategoryTuner
	CategoryHDMI
	CategoryCompositeVideo
	CategorySVideo
	CategoryComponentVideo
	CategoryDVI
	CategoryAirPlay
	CategoryUSB
	CategoryApplication
)

var categoryNames = [...]string{
	CategoryOther:          "other",
	CategoryHomeScreen:     "home_screen",
	CategoryTuner:          "tuner",
	CategoryHDMI:           "hdmi",
	CategoryCompositeVideo: "composite_video",
	CategorySVideo:         "s_video",
	CategoryComponentVideo: "component_video",
	CategoryDVI:            "dvi",
	CategoryAirPlay:        "airplay",
	CategoryUSB:            "usb",
	CategoryApplication:    "application",
}

// String returns the snake_case name of the category.
func (c InputCategory) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return categoryNames[c]
}

// Valid reports whether c is a known category.
func (c InputCategory) Valid() bool {
	return c >= CategoryOther && c <= CategoryApplication
}

// CatalogEntry describes one input code the receiver family may expose.
type CatalogEntry struct {
	ID       string
	Name     string
	Category InputCategory
}

// inputCatalog is the fixed table of input codes probed during discovery.
// The wire protocol does not carry a reliable category, so it comes from here.
var inputCatalog = map[string]CatalogEntry{
	"00": {"00", "PHONO", CategoryOther},
	"01": {"01", "CD", CategoryOther},
	"02": {"02", "TUNER", CategoryTuner},
	"03": {"03", "TAPE", CategoryOther},
	"04": {"04", "DVD", CategoryOther},
	"05": {"05", "TV", CategoryHDMI},
	"06": {"06", "CBL/SAT", CategoryHDMI},
	"10": {"10", "VIDEO", CategoryCompositeVideo},
	"12": {"12", "MULTI CH IN", CategoryOther},
	"13": {"13", "USB-DAC", CategoryOther},
	"14": {"14", "VIDEO2", CategoryComponentVideo},
	"15": {"15", "DVR/BDR", CategoryHDMI},
	"17": {"17", "USB/iPod", CategoryUSB},
	"18": {"18", "XM RADIO", CategoryTuner},
	"19": {"19", "HDMI1", CategoryHDMI},
	"20": {"20", "HDMI2", CategoryHDMI},
	"21": {"21", "HDMI3", CategoryHDMI},
	"22": {"22", "HDMI4", CategoryHDMI},
	"23": {"23", "HDMI5", CategoryHDMI},
	"24": {"24", "HDMI6", CategoryHDMI},
	"25": {"25", "BD", CategoryHDMI},
	"26": {"26", "MEDIA GALLERY", CategoryApplication},
	"27": {"27", "SIRIUS", CategoryOther},
	"31": {"31", "HDMI CYCLE", CategoryHDMI},
	"33": {"33", "ADAPTER", CategoryOther},
	"34": {"34", "HDMI7", CategoryHDMI},
	"35": {"35", "HDMI8", CategoryHDMI},
	"38": {"38", "NETRADIO", CategoryTuner},
	"40": {"40", "SIRIUS", CategoryOther},
	"41": {"41", "PANDORA", CategoryOther},
	"44": {"44", "MEDIA SERVER", CategoryOther},
	"45": {"45", "FAVORITE", CategoryOther},
	"48": {"48", "MHL", CategoryOther},
	"49": {"49", "GAME", CategoryOther},
	"57": {"57", "SPOTIFY", CategoryOther},
}

// catalogIDs is the sorted key set of inputCatalog, computed once.
var catalogIDs = func() []string {
	ids := make([]string, 0, len(inputCatalog))
	for id := range inputCatalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}()

// CatalogIDs returns every catalog input id in ascending order.
// The returned slice is a copy and may be modified by the caller.
func CatalogIDs() []string {
	out := make([]string, len(catalogIDs))
	copy(out, catalogIDs)
	return out
}

// CatalogSize returns the number of input codes probed by discovery.
func CatalogSize() int {
	return len(catalogIDs)
}

// LookupCatalog returns the catalog entry for id.
func LookupCatalog(id string) (CatalogEntry, bool) {
	e, ok := inputCatalog[id]
	return e, ok
}

// CategoryFor returns the catalog category for id, or CategoryOther when the
// id is not in the catalog.
func CategoryFor(id string) InputCategory {
	if e, ok := inputCatalog[id]; ok {
		return e.Category
	}
	return CategoryOther
}
