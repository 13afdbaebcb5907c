package llm

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/shelfie/shelfie/internal/listing"
)

const analysisSystemPrompt = `
	You are an expert product analyst for online marketplaces. Analyze the provided images carefully and
	extract detailed, accurate information about the item shown. Base the analysis solely on what you can
	observe. The images show the same item from different angles; the first image is the cover photo.

	Focus on:
	- Exact category/type of item
	- Brand name if visible (look for logos, text, labels)
	- Model/product name if visible
	- Condition assessment based on visible wear, damage, or newness (New, Like New, Good, Fair, Poor)
	- Specific colors, identifiable materials and key features
	- Size indicators and any visible text, labels, or markings

	If you cannot determine something from the images, leave it empty rather than guessing.

	Respond in JSON with these fields: category, brand, model, condition, colors, materials, features,
	visibleText, sizeCategory, suggestedTitle, confidence (0..1).`

const listingSystemPrompt = "You are an expert e-commerce listing writer who creates compelling, accurate marketplace listings. You follow style guidelines precisely."

const priceSystemPrompt = "You are an expert in product valuation and pricing for online marketplaces. You provide accurate, market-based price suggestions with reasonable ranges backed by clear reasoning."

func prompt(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func joinOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return strings.Join(values, ", ")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// buildAnalysisPrompt returns the instruction sent along with the photos.
func buildAnalysisPrompt(imageCount int) string {
	p := prompt(analysisSystemPrompt)
	if imageCount > 1 {
		p += fmt.Sprintf("\n\nThere are %d images of the same item. Use all of them together.", imageCount)
	}
	return p
}

func writeContext(b *strings.Builder, lc ListingContext, includeCategory bool) {
	if lc.Brand != "" {
		fmt.Fprintf(b, "- User specified brand: %s\n", lc.Brand)
	}
	if lc.Model != "" {
		fmt.Fprintf(b, "- User specified model: %s\n", lc.Model)
	}
	if lc.YearMade != "" {
		fmt.Fprintf(b, "- Year made: %s\n", lc.YearMade)
	}
	if includeCategory && lc.Category != "" {
		fmt.Fprintf(b, "- User specified category: %s\n", lc.Category)
	}
	if lc.Condition != "" {
		fmt.Fprintf(b, "- User specified condition: %s\n", lc.Condition)
	}
	if lc.AdditionalDetails != "" {
		fmt.Fprintf(b, "- Additional details: %s\n", lc.AdditionalDetails)
	}
	if lc.Title != "" {
		fmt.Fprintf(b, "- Seller's working title: %s\n", lc.Title)
	}
	if lc.Price > 0 {
		fmt.Fprintf(b, "- Seller's asking price: %.2f\n", lc.Price)
	}
}

// buildListingPrompt assembles the generation prompt from the analysis, the
// seller's own details and their style preferences.
func buildListingPrompt(req GenerateRequest) string {
	a := req.Analysis
	if a == nil {
		a = &Analysis{}
	}

	var b strings.Builder
	b.WriteString("Create a high-quality marketplace listing based on this item analysis:\n\n")
	b.WriteString("ITEM DETAILS:\n")
	fmt.Fprintf(&b, "- Category: %s\n", a.Category)
	fmt.Fprintf(&b, "- Brand: %s\n", orDefault(a.Brand, "Not specified"))
	fmt.Fprintf(&b, "- Model: %s\n", orDefault(a.Model, "Not specified"))
	fmt.Fprintf(&b, "- Condition: %s\n", a.Condition)
	fmt.Fprintf(&b, "- Colors: %s\n", joinOr(a.Colors, "-"))
	fmt.Fprintf(&b, "- Materials: %s\n", joinOr(a.Materials, "-"))
	fmt.Fprintf(&b, "- Features: %s\n", joinOr(a.Features, "-"))
	fmt.Fprintf(&b, "- Visible Text/Labels: %s\n", joinOr(a.VisibleText, "-"))
	if a.SizeCategory != "" {
		fmt.Fprintf(&b, "- Size Category: %s\n", a.SizeCategory)
	}

	b.WriteString("\nADDITIONAL CONTEXT:\n")
	writeContext(&b, req.Context, true)

	b.WriteString("\nSTYLE INSTRUCTIONS:\n")
	b.WriteString(StylePrompt(req.Style) + "\n")
	b.WriteString(EmojiInstruction(req.Style) + "\n")

	b.WriteString("\nMARKETPLACE TYPE:\n")
	if req.Type == listing.TypeFacebook {
		b.WriteString("This is for Facebook Marketplace - follow their best practices.\n")
	} else {
		b.WriteString("This is for general online marketplaces.\n")
	}

	b.WriteString("\n" + prompt(`
		Generate a listing with:
		1. A compelling, SEO-friendly title (max %d characters)
		2. A detailed, engaging description that highlights the item's key features and condition
		3. 5 relevant keywords for searchability

		Respond in JSON with the fields title, description and keywords.`, MaxTitleLength))
	return b.String()
}

// buildPricePrompt assembles the price estimation prompt.
func buildPricePrompt(a *Analysis, lc ListingContext) string {
	var b strings.Builder
	b.WriteString("Based on this item analysis, suggest a fair market price for online marketplace sales:\n\n")
	b.WriteString("ITEM ANALYSIS:\n")
	fmt.Fprintf(&b, "- Category: %s\n", a.Category)
	fmt.Fprintf(&b, "- Brand: %s\n", orDefault(a.Brand, "Generic/Unknown"))
	fmt.Fprintf(&b, "- Model: %s\n", orDefault(a.Model, "Not specified"))
	fmt.Fprintf(&b, "- Condition: %s\n", a.Condition)
	fmt.Fprintf(&b, "- Features: %s\n", joinOr(a.Features, "-"))
	fmt.Fprintf(&b, "- Colors: %s\n", joinOr(a.Colors, "-"))
	fmt.Fprintf(&b, "- Materials: %s\n", joinOr(a.Materials, "-"))
	if a.SizeCategory != "" {
		fmt.Fprintf(&b, "- Size: %s\n", a.SizeCategory)
	}

	b.WriteString("\nADDITIONAL CONTEXT:\n")
	writeContext(&b, lc, false)

	b.WriteString("\n" + prompt(`
		Provide realistic pricing based on current market conditions for similar items. Consider brand
		reputation, condition and depreciation, and category-specific pricing trends.

		Respond in JSON with suggestedPrice, priceRange {min, max}, confidence (0..1), reasoning (one or
		two sentences) and up to 3 comparableItems {title, price, sold}.`))
	return b.String()
}
