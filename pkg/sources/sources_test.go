package sources

import "testing"

func TestBuildSourcesUsesCatalogDefaults(t *testing.T) {
	configs := map[string]ListConfig{
		"adguard_dns": {Enabled: true},
		"custom":      {Enabled: false, URL: "https://lists.example.com/list.txt", Format: "domains"},
	}
	list, err := BuildSources(Catalog, configs)
	if err != nil {
		t.Fatalf("BuildSources returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(list))
	}
	if list[0].Label != "adguard_dns" || list[0].Format != FormatAdblockPlus || list[0].URL != Catalog["adguard_dns"].URL {
		t.Errorf("unexpected catalog source %+v", list[0])
	}
	if list[1].Label != "custom" || list[1].Format != FormatDomainList || list[1].Enabled {
		t.Errorf("unexpected custom source %+v", list[1])
	}
}

func TestBuildSourcesRejectsUnknownWithoutURL(t *testing.T) {
	if _, err := BuildSources(Catalog, map[string]ListConfig{"nope": {Enabled: true}}); err == nil {
		t.Fatal("expected error for source without url")
	}
	if _, err := BuildSources(Catalog, map[string]ListConfig{"bad": {URL: "https://x.example", Format: "xml"}}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCountStates(t *testing.T) {
	counts := CountStates([]HostsSource{
		{Enabled: true, State: StateUpToDate},
		{Enabled: true, State: StateOutdated},
		{Enabled: true, State: StateError},
		{Enabled: false, State: StateOutdated},
	})
	if counts.UpToDate != 1 || counts.Outdated != 1 || counts.Failed != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
