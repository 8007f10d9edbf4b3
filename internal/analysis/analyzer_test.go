package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"

	"gazer/internal/gallery"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fakeFetcher struct {
	images map[string][]byte
}

func (f *fakeFetcher) FetchPNG(_ context.Context, url string) ([]byte, error) {
	data, ok := f.images[url]
	if !ok {
		return nil, fmt.Errorf("unreachable url %s", url)
	}
	return data, nil
}

type fakeClient struct {
	reply    string
	err      error
	requests []Request
}

func (c *fakeClient) Complete(_ context.Context, req Request) (Response, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return Response{}, c.err
	}
	return Response{Content: c.reply}, nil
}

func shirtItem(thumbs ...string) gallery.MarketplaceItemData {
	return gallery.MarketplaceItemData{
		ItemID:     "m123",
		Name:       "Linen shirt",
		Price:      2500,
		Thumbnails: thumbs,
	}
}

func yesNoCriteria() gallery.EvaluationCriteria {
	return gallery.EvaluationCriteria{{Question: "is it a shirt?", Type: gallery.YesNo, Hard: true}}
}

func TestAnalyzeItemsRelevant(t *testing.T) {
	img := tinyPNG(t)
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": img}}
	client := &fakeClient{reply: `{"answers":["Y"],"item_description":"a casual shirt","best_fit_image":0}`}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, yesNoCriteria())
	if len(result.Relevant) != 1 || len(result.Irrelevant) != 0 || len(result.Errors) != 0 {
		t.Fatalf("unexpected partition: %+v", result)
	}
	got := result.Relevant[0]
	if got.Description != "a casual shirt" {
		t.Fatalf("unexpected description %q", got.Description)
	}
	if !bytes.Equal(got.BestImagePNG, img) {
		t.Fatal("best image bytes not carried through")
	}

	if len(client.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(client.requests))
	}
	req := client.requests[0]
	if !strings.Contains(req.System, "1. is it a shirt?") {
		t.Fatalf("criteria missing from system prompt: %q", req.System)
	}
	if !strings.Contains(req.System, "nothing outside the JSON object") {
		t.Fatal("reply-shape rule missing from system prompt")
	}
	var sawImage, sawItemJSON bool
	for _, part := range req.Parts {
		if part.PNG != nil {
			sawImage = true
		}
		if strings.Contains(part.Text, `"item_id":"m123"`) {
			sawItemJSON = true
		}
	}
	if !sawImage || !sawItemJSON {
		t.Fatalf("prompt parts incomplete: image=%v itemJSON=%v", sawImage, sawItemJSON)
	}
}

func TestAnalyzeItemsIrrelevant(t *testing.T) {
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": tinyPNG(t)}}
	client := &fakeClient{reply: `{"answers":["N"],"item_description":"a mug","best_fit_image":0}`}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, yesNoCriteria())
	if len(result.Irrelevant) != 1 || len(result.Relevant) != 0 {
		t.Fatalf("unexpected partition: %+v", result)
	}
}

func TestAnalyzeItemsNoImages(t *testing.T) {
	fetcher := &fakeFetcher{images: map[string][]byte{}}
	client := &fakeClient{reply: `{"answers":["Y"],"item_description":"x","best_fit_image":0}`}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("broken")}, yesNoCriteria())
	if len(result.Errors) != 1 {
		t.Fatalf("expected error partition, got %+v", result)
	}
	if !strings.Contains(result.Errors[0].Reason, "no images") {
		t.Fatalf("unexpected reason %q", result.Errors[0].Reason)
	}
	if len(client.requests) != 0 {
		t.Fatal("no LLM request should be made without images")
	}
}

func TestAnalyzeItemsBadReply(t *testing.T) {
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": tinyPNG(t)}}
	cases := []string{
		`not json at all {{{`,
		`{"answers":["Y","N"],"item_description":"x","best_fit_image":0}`, // count mismatch
		`{"answers":["maybe"],"item_description":"x","best_fit_image":0}`, // format violation
	}
	for _, reply := range cases {
		client := &fakeClient{reply: reply}
		analyzer := New(client, fetcher, nil)
		result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, yesNoCriteria())
		if len(result.Errors) != 1 {
			t.Fatalf("reply %q: expected error partition, got %+v", reply, result)
		}
	}
}

func TestAnalyzeItemsRepairsLooseJSON(t *testing.T) {
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": tinyPNG(t)}}
	client := &fakeClient{reply: "```json\n{\"answers\":[\"Y\"],\"item_description\":\"a shirt\",\"best_fit_image\":0,}\n```"}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, yesNoCriteria())
	if len(result.Relevant) != 1 {
		t.Fatalf("expected repaired reply to parse, got %+v", result)
	}
}

func TestBestFitImageOutOfRange(t *testing.T) {
	imgA := tinyPNG(t)
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": imgA}}
	client := &fakeClient{reply: `{"answers":["Y"],"item_description":"x","best_fit_image":7}`}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, yesNoCriteria())
	if len(result.Relevant) != 1 {
		t.Fatalf("unexpected partition: %+v", result)
	}
	if !bytes.Equal(result.Relevant[0].BestImagePNG, imgA) {
		t.Fatal("out-of-range index must fall back to image 0")
	}
}

func TestAnalyzeItemsZeroCriteria(t *testing.T) {
	fetcher := &fakeFetcher{images: map[string][]byte{"u1": tinyPNG(t)}}
	client := &fakeClient{reply: `{"answers":[],"item_description":"x","best_fit_image":0}`}
	analyzer := New(client, fetcher, nil)

	result := analyzer.AnalyzeItems(context.Background(), []gallery.MarketplaceItemData{shirtItem("u1")}, nil)
	if len(result.Relevant) != 1 {
		t.Fatalf("zero criteria must be vacuously relevant, got %+v", result)
	}
}

func TestPartitionsCoverInput(t *testing.T) {
	img := tinyPNG(t)
	fetcher := &fakeFetcher{images: map[string][]byte{"ok": img}}
	client := &fakeClient{reply: `{"answers":["Y"],"item_description":"x","best_fit_image":0}`}
	analyzer := New(client, fetcher, nil)

	items := []gallery.MarketplaceItemData{shirtItem("ok"), shirtItem("missing")}
	result := analyzer.AnalyzeItems(context.Background(), items, yesNoCriteria())
	total := len(result.Relevant) + len(result.Irrelevant) + len(result.Errors)
	if total != len(items) {
		t.Fatalf("partitions must cover the input: %d != %d", total, len(items))
	}
}
