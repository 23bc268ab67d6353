package recommend

import "github.com/JakeFAU/siteboost/internal/analyzers"

var builtinRules = map[string]Rule{
	analyzers.IssueMissingTitle: {
		Message:     "Add a descriptive page title",
		ActionItems: []string{"Add a <title> element inside <head>", "Keep it between 10 and 60 characters"},
		Difficulty:  DifficultyEasy,
		Impact:      0.9,
	},
	analyzers.IssueTitleLength: {
		Message:     "Adjust the page title length",
		ActionItems: []string{"Rewrite the title to 10-60 characters with the primary keyword first"},
		Difficulty:  DifficultyEasy,
		Impact:      0.4,
	},
	analyzers.IssueMissingDescription: {
		Message:     "Add a meta description",
		ActionItems: []string{`Add <meta name="description"> summarizing the page in 50-160 characters`},
		Difficulty:  DifficultyEasy,
		Impact:      0.7,
	},
	analyzers.IssueDescriptionLength: {
		Message:     "Adjust the meta description length",
		ActionItems: []string{"Rewrite the description to 50-160 characters"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssueMissingH1: {
		Message:     "Add a primary heading",
		ActionItems: []string{"Add exactly one <h1> describing the page topic"},
		Difficulty:  DifficultyEasy,
		Impact:      0.6,
	},
	analyzers.IssueMultipleH1: {
		Message:     "Use a single <h1>",
		ActionItems: []string{"Demote secondary <h1> elements to <h2>"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssueMissingCanonical: {
		Message:     "Declare a canonical URL",
		ActionItems: []string{`Add <link rel="canonical"> pointing at the preferred URL`},
		Difficulty:  DifficultyEasy,
		Impact:      0.4,
	},
	analyzers.IssueMissingViewport: {
		Message:     "Make the page mobile friendly",
		ActionItems: []string{`Add <meta name="viewport" content="width=device-width, initial-scale=1">`},
		Difficulty:  DifficultyEasy,
		Impact:      0.7,
	},
	analyzers.IssueNoIndex: {
		Message:     "Allow search engines to index the page",
		ActionItems: []string{"Remove noindex from the robots meta tag and X-Robots-Tag header if unintended"},
		Difficulty:  DifficultyEasy,
		Impact:      1.0,
	},
	analyzers.IssueMissingOpenGraph: {
		Message:     "Add Open Graph tags",
		ActionItems: []string{"Add og:title, og:description and og:image meta tags"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},

	analyzers.IssueSlowResponse: {
		Message:     "Reduce server response time",
		ActionItems: []string{"Profile backend handlers", "Cache rendered pages", "Serve from a CDN"},
		Difficulty:  DifficultyHard,
		Impact:      0.9,
	},
	analyzers.IssueLargeDocument: {
		Message:     "Reduce HTML document size",
		ActionItems: []string{"Remove inlined data and unused markup", "Paginate or lazy-load long content"},
		Difficulty:  DifficultyMedium,
		Impact:      0.6,
	},
	analyzers.IssueRenderBlockingScripts: {
		Message:     "Eliminate render-blocking scripts",
		ActionItems: []string{"Add defer or async to scripts in <head>", "Move non-critical scripts to the end of <body>"},
		Difficulty:  DifficultyEasy,
		Impact:      0.7,
	},
	analyzers.IssueManyScripts: {
		Message:     "Bundle external scripts",
		ActionItems: []string{"Combine scripts into fewer bundles", "Remove unused third-party tags"},
		Difficulty:  DifficultyMedium,
		Impact:      0.5,
	},
	analyzers.IssueManyStylesheets: {
		Message:     "Combine stylesheets",
		ActionItems: []string{"Merge stylesheets and inline critical CSS"},
		Difficulty:  DifficultyMedium,
		Impact:      0.4,
	},
	analyzers.IssueMissingCacheHeaders: {
		Message:     "Enable HTTP caching",
		ActionItems: []string{"Send Cache-Control with an appropriate max-age", "Emit ETag or Last-Modified for revalidation"},
		Difficulty:  DifficultyEasy,
		Impact:      0.5,
	},
	analyzers.IssueUnsizedImages: {
		Message:     "Set image dimensions",
		ActionItems: []string{"Add width and height attributes to every <img>"},
		Difficulty:  DifficultyEasy,
		Impact:      0.4,
	},
	analyzers.IssueFailedSubresources: {
		Message:     "Fix subresources that fail to load",
		ActionItems: []string{"Remove or repair broken script, style and image URLs"},
		Difficulty:  DifficultyEasy,
		Impact:      0.5,
	},
	analyzers.IssueHeavyPage: {
		Message:     "Reduce total page weight",
		ActionItems: []string{"Compress images and serve modern formats", "Lazy-load below-the-fold media"},
		Difficulty:  DifficultyMedium,
		Impact:      0.6,
	},

	analyzers.IssueNoHTTPS: {
		Message:     "Serve the site over HTTPS",
		ActionItems: []string{"Obtain a TLS certificate", "Redirect all HTTP traffic to HTTPS"},
		Difficulty:  DifficultyMedium,
		Impact:      1.0,
	},
	analyzers.IssueMissingHSTS: {
		Message:     "Enable HTTP Strict Transport Security",
		ActionItems: []string{"Send Strict-Transport-Security: max-age=63072000; includeSubDomains"},
		Difficulty:  DifficultyEasy,
		Impact:      0.7,
	},
	analyzers.IssueMissingCSP: {
		Message:     "Add a Content Security Policy",
		ActionItems: []string{"Start with Content-Security-Policy-Report-Only", "Tighten to default-src 'self' once reports are clean"},
		Difficulty:  DifficultyMedium,
		Impact:      0.7,
	},
	analyzers.IssueUnsafeCSP: {
		Message:     "Remove unsafe directives from the Content Security Policy",
		ActionItems: []string{"Replace unsafe-inline with nonces or hashes", "Remove unsafe-eval"},
		Difficulty:  DifficultyHard,
		Impact:      0.6,
	},
	analyzers.IssueMissingFrameOptions: {
		Message:     "Protect against clickjacking",
		ActionItems: []string{"Send X-Frame-Options: DENY or CSP frame-ancestors 'none'"},
		Difficulty:  DifficultyEasy,
		Impact:      0.5,
	},
	analyzers.IssueMissingContentTypeOp: {
		Message:     "Disable MIME sniffing",
		ActionItems: []string{"Send X-Content-Type-Options: nosniff"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssueMissingReferrer: {
		Message:     "Set a Referrer-Policy",
		ActionItems: []string{"Send Referrer-Policy: strict-origin-when-cross-origin"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssueInsecureCookies: {
		Message:     "Harden cookies",
		ActionItems: []string{"Mark cookies Secure and HttpOnly", "Set SameSite=Lax or Strict"},
		Difficulty:  DifficultyEasy,
		Impact:      0.8,
	},
	analyzers.IssueMixedContent: {
		Message:     "Fix mixed content",
		ActionItems: []string{"Load every subresource over HTTPS"},
		Difficulty:  DifficultyMedium,
		Impact:      0.8,
	},
	analyzers.IssueInsecureForm: {
		Message:     "Submit forms over HTTPS",
		ActionItems: []string{"Point form actions at HTTPS endpoints", "Serve pages with password fields over HTTPS"},
		Difficulty:  DifficultyMedium,
		Impact:      0.9,
	},
	analyzers.IssueVersionDisclosure: {
		Message:     "Hide server version details",
		ActionItems: []string{"Remove version numbers from the Server header", "Drop X-Powered-By"},
		Difficulty:  DifficultyEasy,
		Impact:      0.2,
	},

	analyzers.IssueMissingLang: {
		Message:     "Declare the page language",
		ActionItems: []string{`Add lang="..." to the <html> element`},
		Difficulty:  DifficultyEasy,
		Impact:      0.5,
	},
	analyzers.IssueMissingPageTitle: {
		Message:     "Give the page a title for screen readers",
		ActionItems: []string{"Add a <title> that identifies the page"},
		Difficulty:  DifficultyEasy,
		Impact:      0.5,
	},
	analyzers.IssueImagesMissingAlt: {
		Message:     "Provide text alternatives for images",
		ActionItems: []string{`Add alt text to informative images`, `Use alt="" for decorative images`},
		Difficulty:  DifficultyEasy,
		Impact:      0.8,
	},
	analyzers.IssueUnlabeledInputs: {
		Message:     "Label form controls",
		ActionItems: []string{"Associate a <label for> with each control or add aria-label"},
		Difficulty:  DifficultyEasy,
		Impact:      0.8,
	},
	analyzers.IssueEmptyLinks: {
		Message:     "Give links discernible text",
		ActionItems: []string{"Add link text or aria-label to icon links"},
		Difficulty:  DifficultyEasy,
		Impact:      0.6,
	},
	analyzers.IssueEmptyButtons: {
		Message:     "Give buttons discernible text",
		ActionItems: []string{"Add button text or aria-label to icon buttons"},
		Difficulty:  DifficultyEasy,
		Impact:      0.6,
	},
	analyzers.IssueHeadingSkips: {
		Message:     "Use sequential heading levels",
		ActionItems: []string{"Do not skip heading levels when nesting sections"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssuePositiveTabIndex: {
		Message:     "Remove positive tabindex values",
		ActionItems: []string{"Use tabindex=0 or DOM order to control focus"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
	analyzers.IssueZoomDisabled: {
		Message:     "Allow users to zoom",
		ActionItems: []string{"Remove user-scalable=no and maximum-scale from the viewport meta tag"},
		Difficulty:  DifficultyEasy,
		Impact:      0.7,
	},
	analyzers.IssueMissingMainRegion: {
		Message:     "Add a main landmark",
		ActionItems: []string{"Wrap the primary content in <main>"},
		Difficulty:  DifficultyEasy,
		Impact:      0.3,
	},
}
