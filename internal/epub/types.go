package epub

import "encoding/xml"

// Container mirrors META-INF/container.xml.
type Container struct {
	XMLName   xml.Name `xml:"container"`
	Version   string   `xml:"version,attr"`
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

// Package mirrors the OPF package document. Only the parts the pipeline
// reads are mapped; the file itself is never regenerated from this struct.
type Package struct {
	XMLName  xml.Name `xml:"package"`
	Version  string   `xml:"version,attr"`
	UniqueID string   `xml:"unique-identifier,attr"`
	Metadata Metadata `xml:"metadata"`
	Manifest Manifest `xml:"manifest"`
	Spine    Spine    `xml:"spine"`
}

type Metadata struct {
	XMLName  xml.Name `xml:"metadata"`
	Title    string   `xml:"title"`
	Language string   `xml:"language"`
	Creator  string   `xml:"creator"`
	Date     string   `xml:"date"`
}

type Manifest struct {
	XMLName xml.Name `xml:"manifest"`
	Items   []Item   `xml:"item"`
}

type Item struct {
	ID        string `xml:"id,attr"`
	Href      string `xml:"href,attr"`
	MediaType string `xml:"media-type,attr"`
}

type Spine struct {
	XMLName  xml.Name  `xml:"spine"`
	TOC      string    `xml:"toc,attr"`
	ItemRefs []ItemRef `xml:"itemref"`
}

type ItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr"`
}
