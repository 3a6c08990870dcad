package exchange

import (
	"time"

	"github.com/rickar/cal/v2"
)

// Observance shifts for holidays falling on a weekend: US-style moves
// Saturday back to Friday and Sunday forward to Monday; UK-style substitutes
// the following Monday; Japan observes Sunday holidays on Monday.
var (
	usShift = []cal.AltDay{{Day: time.Saturday, Offset: -1}, {Day: time.Sunday, Offset: 1}}
	ukShift = []cal.AltDay{{Day: time.Saturday, Offset: 2}, {Day: time.Sunday, Offset: 1}}
	jpShift = []cal.AltDay{{Day: time.Sunday, Offset: 1}}
)

func fixed(name string, month time.Month, day int, observed []cal.AltDay) *cal.Holiday {
	return &cal.Holiday{
		Name:     name,
		Type:     cal.ObservancePublic,
		Month:    month,
		Day:      day,
		Observed: observed,
		Func:     cal.CalcDayOfMonth,
	}
}

// nth weekday of a month; negative offset counts from the end.
func weekday(name string, month time.Month, wd time.Weekday, offset int) *cal.Holiday {
	return &cal.Holiday{
		Name:    name,
		Type:    cal.ObservancePublic,
		Month:   month,
		Weekday: wd,
		Offset:  offset,
		Func:    cal.CalcWeekdayOffset,
	}
}

func easter(name string, offset int) *cal.Holiday {
	return &cal.Holiday{
		Name:   name,
		Type:   cal.ObservancePublic,
		Offset: offset,
		Func:   cal.CalcEasterOffset,
	}
}

// table builds a holiday from explicit per-year dates, for lunar-calendar
// holidays that have no arithmetic rule.
func table(name string, dates map[int][3]int) *cal.Holiday {
	start, end := 0, 0
	for y := range dates {
		if start == 0 || y < start {
			start = y
		}
		if y > end {
			end = y
		}
	}
	return &cal.Holiday{
		Name:      name,
		Type:      cal.ObservancePublic,
		StartYear: start,
		EndYear:   end,
		Func: func(h *cal.Holiday, year int) time.Time {
			d, ok := dates[year]
			if !ok {
				return time.Time{}
			}
			return time.Date(d[0], time.Month(d[1]), d[2], 0, 0, 0, 0, time.UTC)
		},
	}
}

func newCalendar(name string, holidays ...*cal.Holiday) *cal.Calendar {
	c := &cal.Calendar{Name: name, Cacheable: true}
	c.AddHoliday(holidays...)
	return c
}

func nyseCalendar() *cal.Calendar {
	return newCalendar("XNYS",
		fixed("New Year's Day", time.January, 1, []cal.AltDay{{Day: time.Sunday, Offset: 1}}),
		weekday("Martin Luther King Jr. Day", time.January, time.Monday, 3),
		weekday("Washington's Birthday", time.February, time.Monday, 3),
		easter("Good Friday", -2),
		weekday("Memorial Day", time.May, time.Monday, -1),
		&cal.Holiday{
			Name: "Juneteenth", Type: cal.ObservancePublic,
			Month: time.June, Day: 19, Observed: usShift,
			StartYear: 2022, Func: cal.CalcDayOfMonth,
		},
		fixed("Independence Day", time.July, 4, usShift),
		weekday("Labor Day", time.September, time.Monday, 1),
		weekday("Thanksgiving Day", time.November, time.Thursday, 4),
		fixed("Christmas Day", time.December, 25, usShift),
	)
}

func lseCalendar() *cal.Calendar {
	return newCalendar("XLON",
		fixed("New Year's Day", time.January, 1, ukShift),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		weekday("Early May Bank Holiday", time.May, time.Monday, 1),
		weekday("Spring Bank Holiday", time.May, time.Monday, -1),
		weekday("Summer Bank Holiday", time.August, time.Monday, -1),
		fixed("Christmas Day", time.December, 25, ukShift),
		fixed("Boxing Day", time.December, 26, ukShift),
	)
}

func sixCalendar() *cal.Calendar {
	return newCalendar("XSWX",
		fixed("New Year's Day", time.January, 1, nil),
		fixed("Berchtoldstag", time.January, 2, nil),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		fixed("Labour Day", time.May, 1, nil),
		easter("Ascension Day", 39),
		easter("Whit Monday", 50),
		fixed("Swiss National Day", time.August, 1, nil),
		fixed("Christmas Eve", time.December, 24, nil),
		fixed("Christmas Day", time.December, 25, nil),
		fixed("St. Stephen's Day", time.December, 26, nil),
		fixed("New Year's Eve", time.December, 31, nil),
	)
}

func fraCalendar() *cal.Calendar {
	return newCalendar("XFRA",
		fixed("New Year's Day", time.January, 1, nil),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		fixed("Labour Day", time.May, 1, nil),
		easter("Whit Monday", 50),
		fixed("Day of German Unity", time.October, 3, nil),
		fixed("Christmas Eve", time.December, 24, nil),
		fixed("Christmas Day", time.December, 25, nil),
		fixed("Boxing Day", time.December, 26, nil),
		fixed("New Year's Eve", time.December, 31, nil),
	)
}

func tsxCalendar() *cal.Calendar {
	return newCalendar("XTSE",
		fixed("New Year's Day", time.January, 1, usShift),
		weekday("Family Day", time.February, time.Monday, 3),
		easter("Good Friday", -2),
		// Victoria Day: the Monday on or before May 24.
		&cal.Holiday{
			Name: "Victoria Day", Type: cal.ObservancePublic,
			Month: time.May, Day: 24, Weekday: time.Monday, Offset: -1,
			Func: cal.CalcWeekdayFrom,
		},
		fixed("Canada Day", time.July, 1, usShift),
		weekday("Civic Holiday", time.August, time.Monday, 1),
		weekday("Labour Day", time.September, time.Monday, 1),
		weekday("Thanksgiving", time.October, time.Monday, 2),
		fixed("Christmas Day", time.December, 25, ukShift),
		fixed("Boxing Day", time.December, 26, ukShift),
	)
}

func nzxCalendar() *cal.Calendar {
	return newCalendar("XNZE",
		fixed("New Year's Day", time.January, 1, ukShift),
		fixed("Day after New Year's Day", time.January, 2, ukShift),
		fixed("Waitangi Day", time.February, 6, jpShift),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		fixed("Anzac Day", time.April, 25, jpShift),
		weekday("King's Birthday", time.June, time.Monday, 1),
		table("Matariki", map[int][3]int{
			2022: {2022, 6, 24}, 2023: {2023, 7, 14}, 2024: {2024, 6, 28},
			2025: {2025, 6, 20}, 2026: {2026, 7, 10}, 2027: {2027, 6, 25},
		}),
		weekday("Labour Day", time.October, time.Monday, 4),
		fixed("Christmas Day", time.December, 25, ukShift),
		fixed("Boxing Day", time.December, 26, ukShift),
	)
}

func jpxCalendar() *cal.Calendar {
	return newCalendar("XTKS",
		fixed("New Year's Day", time.January, 1, nil),
		fixed("Market Holiday", time.January, 2, nil),
		fixed("Market Holiday", time.January, 3, nil),
		weekday("Coming of Age Day", time.January, time.Monday, 2),
		fixed("National Foundation Day", time.February, 11, jpShift),
		fixed("Emperor's Birthday", time.February, 23, jpShift),
		fixed("Vernal Equinox Day", time.March, 20, jpShift),
		fixed("Showa Day", time.April, 29, jpShift),
		fixed("Constitution Memorial Day", time.May, 3, jpShift),
		fixed("Greenery Day", time.May, 4, jpShift),
		fixed("Children's Day", time.May, 5, jpShift),
		weekday("Marine Day", time.July, time.Monday, 3),
		fixed("Mountain Day", time.August, 11, jpShift),
		weekday("Respect for the Aged Day", time.September, time.Monday, 3),
		fixed("Autumnal Equinox Day", time.September, 23, jpShift),
		weekday("Sports Day", time.October, time.Monday, 2),
		fixed("Culture Day", time.November, 3, jpShift),
		fixed("Labour Thanksgiving Day", time.November, 23, jpShift),
		fixed("New Year's Eve", time.December, 31, nil),
	)
}

func asxCalendar() *cal.Calendar {
	return newCalendar("XASX",
		fixed("New Year's Day", time.January, 1, ukShift),
		fixed("Australia Day", time.January, 26, ukShift),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		fixed("Anzac Day", time.April, 25, nil),
		weekday("King's Birthday", time.June, time.Monday, 2),
		fixed("Christmas Day", time.December, 25, ukShift),
		fixed("Boxing Day", time.December, 26, ukShift),
	)
}

func hkexCalendar() *cal.Calendar {
	return newCalendar("XHKG",
		fixed("New Year's Day", time.January, 1, jpShift),
		table("Lunar New Year", map[int][3]int{
			2021: {2021, 2, 12}, 2022: {2022, 2, 1}, 2023: {2023, 1, 23},
			2024: {2024, 2, 10}, 2025: {2025, 1, 29}, 2026: {2026, 2, 17},
			2027: {2027, 2, 6},
		}),
		table("Second Day of Lunar New Year", map[int][3]int{
			2021: {2021, 2, 15}, 2022: {2022, 2, 2}, 2023: {2023, 1, 24},
			2024: {2024, 2, 12}, 2025: {2025, 1, 30}, 2026: {2026, 2, 18},
			2027: {2027, 2, 8},
		}),
		fixed("Ching Ming Festival", time.April, 4, jpShift),
		easter("Good Friday", -2),
		easter("Easter Monday", 1),
		fixed("Labour Day", time.May, 1, jpShift),
		table("Buddha's Birthday", map[int][3]int{
			2021: {2021, 5, 19}, 2022: {2022, 5, 9}, 2023: {2023, 5, 26},
			2024: {2024, 5, 15}, 2025: {2025, 5, 5}, 2026: {2026, 5, 24},
			2027: {2027, 5, 13},
		}),
		table("Tuen Ng Festival", map[int][3]int{
			2021: {2021, 6, 14}, 2022: {2022, 6, 3}, 2023: {2023, 6, 22},
			2024: {2024, 6, 10}, 2025: {2025, 5, 31}, 2026: {2026, 6, 19},
			2027: {2027, 6, 9},
		}),
		fixed("HKSAR Establishment Day", time.July, 1, jpShift),
		table("Day after Mid-Autumn Festival", map[int][3]int{
			2021: {2021, 9, 22}, 2022: {2022, 9, 12}, 2023: {2023, 9, 30},
			2024: {2024, 9, 18}, 2025: {2025, 10, 7}, 2026: {2026, 9, 26},
			2027: {2027, 9, 16},
		}),
		fixed("National Day", time.October, 1, jpShift),
		table("Chung Yeung Festival", map[int][3]int{
			2021: {2021, 10, 14}, 2022: {2022, 10, 4}, 2023: {2023, 10, 23},
			2024: {2024, 10, 11}, 2025: {2025, 10, 29}, 2026: {2026, 10, 18},
			2027: {2027, 10, 8},
		}),
		fixed("Christmas Day", time.December, 25, ukShift),
		fixed("Boxing Day", time.December, 26, ukShift),
	)
}

func sgxCalendar() *cal.Calendar {
	return newCalendar("XSES",
		fixed("New Year's Day", time.January, 1, jpShift),
		table("Chinese New Year", map[int][3]int{
			2021: {2021, 2, 12}, 2022: {2022, 2, 1}, 2023: {2023, 1, 23},
			2024: {2024, 2, 10}, 2025: {2025, 1, 29}, 2026: {2026, 2, 17},
			2027: {2027, 2, 6},
		}),
		table("Second Day of Chinese New Year", map[int][3]int{
			2021: {2021, 2, 15}, 2022: {2022, 2, 2}, 2023: {2023, 1, 24},
			2024: {2024, 2, 12}, 2025: {2025, 1, 30}, 2026: {2026, 2, 18},
			2027: {2027, 2, 8},
		}),
		easter("Good Friday", -2),
		fixed("Labour Day", time.May, 1, jpShift),
		table("Vesak Day", map[int][3]int{
			2021: {2021, 5, 26}, 2022: {2022, 5, 16}, 2023: {2023, 6, 2},
			2024: {2024, 5, 22}, 2025: {2025, 5, 12}, 2026: {2026, 6, 1},
			2027: {2027, 5, 21},
		}),
		fixed("National Day", time.August, 9, jpShift),
		table("Deepavali", map[int][3]int{
			2021: {2021, 11, 4}, 2022: {2022, 10, 24}, 2023: {2023, 11, 13},
			2024: {2024, 10, 31}, 2025: {2025, 10, 20}, 2026: {2026, 11, 8},
			2027: {2027, 10, 29},
		}),
		fixed("Christmas Day", time.December, 25, jpShift),
	)
}
