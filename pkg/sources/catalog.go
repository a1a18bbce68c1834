package sources

// ListDefinition describes a built-in list.
type ListDefinition struct {
	ID          string
	Name        string
	URL         string
	Format      Format
	Description string
}

// Catalog lists the built-in sources available for selection.
var Catalog = map[string]ListDefinition{
	"adaway": {
		ID:          "adaway",
		Name:        "AdAway official hosts",
		URL:         "https://adaway.org/hosts.txt",
		Format:      FormatHostsFile,
		Description: "Blocking mobile ad providers and some analytics providers.",
	},
	"stevenblack": {
		ID:          "stevenblack",
		Name:        "StevenBlack Unified hosts",
		URL:         "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts",
		Format:      FormatHostsFile,
		Description: "Consolidated adware and malware hosts.",
	},
	"pgl": {
		ID:          "pgl",
		Name:        "Peter Lowe's ad and tracking server list",
		URL:         "https://pgl.yoyo.org/adservers/serverlist.php?hostformat=hosts&showintro=0&mimetype=plaintext",
		Format:      FormatHostsFile,
		Description: "Ad and tracking servers.",
	},
	"blocklistproject_ads": {
		ID:          "blocklistproject_ads",
		Name:        "Block List Project - Ads",
		URL:         "https://blocklistproject.github.io/Lists/alt-version/ads-nl.txt",
		Format:      FormatDomainList,
		Description: "Advertising and tracking hosts.",
	},
	"blocklistproject_malware": {
		ID:          "blocklistproject_malware",
		Name:        "Block List Project - Malware",
		URL:         "https://blocklistproject.github.io/Lists/alt-version/malware-nl.txt",
		Format:      FormatDomainList,
		Description: "Hosts associated with malware distribution.",
	},
	"adguard_dns": {
		ID:          "adguard_dns",
		Name:        "AdGuard DNS Filter",
		URL:         "https://adguardteam.github.io/AdGuardSDNSFilter/Filters/filter.txt",
		Format:      FormatAdblockPlus,
		Description: "Ad and tracker blocking list.",
	},
	"oisd_small": {
		ID:          "oisd_small",
		Name:        "OISD Small",
		URL:         "https://small.oisd.nl/",
		Format:      FormatAdblockPlus,
		Description: "Ad and tracker blocking list.",
	},
}
